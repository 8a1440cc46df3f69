// Command luupd serves ephemeral photo shares, chat rooms, whiteboards and
// quick polls.
package main

func main() {
	Execute()
}
