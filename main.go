// Package main is the command-line entry point of roxy, a transparent
// HTTP/HTTPS proxying gateway with an integrated hijacking DNS server.
package main

import "github.com/rafal/roxy/internal/cmd"

func main() {
	cmd.Main()
}
