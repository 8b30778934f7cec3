package main

import "github.com/JakeFAU/media-harvester/cmd"

func main() {
	cmd.Execute()
}
