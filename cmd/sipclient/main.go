package main

import "github.com/arzzra/sip_client/cmd/sipclient/cmd"

func main() {
	cmd.Execute()
}
