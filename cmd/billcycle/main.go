// Package main is the entry point for billcycle.
package main

func main() {
	Execute()
}
