// Command ra-node runs a routing node from a YAML config.
package main

import "os"

func main() { os.Exit(run(ParseFlags(os.Args[1:]))) }
