// Copyright © 2019 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package telemetry

import (
	"errors"
	"fmt"
	"io/ioutil"
	"path/filepath"
	"time"

	"github.com/TheThingsNetwork/telemetry-client/client"
	"github.com/apex/log"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v2"
)

// Channel publishes the readings of one sensor to one topic
type Channel struct {
	Name     string        `yaml:"name"`
	Sensor   string        `yaml:"sensor"`
	Topic    string        `yaml:"topic"`
	Interval time.Duration `yaml:"interval"`
	QoS      byte          `yaml:"qos"`
	Retain   bool          `yaml:"retain"`
	// Limit is the maximum number of publishes per minute, 0 for no limit
	Limit int `yaml:"limit"`
}

// Validate the channel
func (c Channel) Validate() error {
	if c.Sensor == "" {
		return errors.New("missing sensor")
	}
	if err := client.ValidateTopic(c.Topic); err != nil {
		return err
	}
	if c.Interval <= 0 {
		return errors.New("interval must be positive")
	}
	if c.QoS > 2 {
		return client.ErrInvalidQoS
	}
	return nil
}

// ParseChannels parses a YAML channel list
func ParseChannels(data []byte) ([]Channel, error) {
	var file struct {
		Channels []Channel `yaml:"channels"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	if len(file.Channels) == 0 {
		return nil, errors.New("no channels defined")
	}
	for i, channel := range file.Channels {
		if channel.Name == "" {
			file.Channels[i].Name = channel.Topic
		}
		if err := channel.Validate(); err != nil {
			return nil, fmt.Errorf("channel %d: %w", i, err)
		}
	}
	return file.Channels, nil
}

// LoadChannels reads a YAML channel file
func LoadChannels(filename string) ([]Channel, error) {
	contents, err := ioutil.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return ParseChannels(contents)
}

// WatchChannels returns a Watcher that reloads the channel file when it changes
func WatchChannels(filename string, ctx log.Interface) (w *Watcher, err error) {
	w = &Watcher{
		ctx:     ctx.WithField("Channels", filename),
		updates: make(chan []Channel, 1),
	}
	w.filename, err = filepath.Abs(filename)
	if err != nil {
		return nil, err
	}
	w.watcher, err = fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Editors replace files, so the directory is watched instead of the file
	if err = w.watcher.Add(filepath.Dir(w.filename)); err != nil {
		w.watcher.Close()
		return nil, err
	}
	go w.watch()
	return w, nil
}

// Watcher for a channel file
type Watcher struct {
	ctx      log.Interface
	filename string
	watcher  *fsnotify.Watcher
	updates  chan []Channel
}

func (w *Watcher) watch() {
	defer close(w.updates)
	for {
		select {
		case e, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if e.Name != w.filename || e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			channels, err := LoadChannels(w.filename)
			if err != nil {
				w.ctx.WithError(err).Warn("Could not reload channels")
				continue
			}
			w.ctx.WithField("Channels", len(channels)).Info("Reloaded channels")
			select {
			case <-w.updates:
			default:
			}
			w.updates <- channels
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.ctx.WithError(err).Warn("Channel watcher error")
		}
	}
}

// Updates returns the channel lists read after changes of the file
func (w *Watcher) Updates() <-chan []Channel {
	return w.updates
}

// Close the watcher
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
