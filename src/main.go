package main

import (
	"me.sttot/certbot-k8s/src/cmd"
)

func main() {
	cmd.Execute()
}
