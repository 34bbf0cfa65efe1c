package main

import "github.com/knpwrs/hlsarchiver/cmd"

// main is the entry point for the hlsarchiver CLI application.
//
// This application archives HLS video assets with quality selection,
// resumable concurrent downloads and durable processing records.
//
// See: https://context7.com/golang/go for Go documentation
func main() {
	cmd.Execute()
}
