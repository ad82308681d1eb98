// Package main provides the roomsync CLI, which keeps Rocket.Chat accounts and
// private rooms in line with an LDAP directory.
package main

import "github.com/mscno/roomsync/cmd/roomsync/commands"

func main() {
	commands.Execute(Version)
}
