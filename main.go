// Copyright © 2019 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package main

import "github.com/TheThingsNetwork/telemetry-client/cmd"

func main() {
	cmd.Execute()
}
