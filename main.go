package main

import "botwall-gateway/cmd"

func main() {
	cmd.Execute()
}
