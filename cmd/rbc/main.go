// Package main implements the robot bridge entry point.
package main

func main() {
	Execute()
}
