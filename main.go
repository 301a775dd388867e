package main

import "attendcam/cmd"

func main() {
	cmd.Execute()
}
