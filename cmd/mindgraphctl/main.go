// Command mindgraphctl is the operator CLI: list sessions, dump a
// session's approved node tree, and replay a fixture file of frame or
// transcript events onto the bus for local testing.
package main

func main() {
	Execute()
}
