package main

import "github.com/starforge/botpay/cmd"

func main() {
	cmd.Execute()
}
