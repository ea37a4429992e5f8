// Command campaign-sync follows a live campaign session from the terminal.
package main

func main() {
	Execute()
}
