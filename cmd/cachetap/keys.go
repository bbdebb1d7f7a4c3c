package main

import (
	"fmt"
	"os"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/allaspectsdev/cachetap/internal/vault"
)

func cmdKeys(args []string) {
	if len(args) == 0 {
		fmt.Println("Usage: cachetap keys <list|set|delete> [name]")
		os.Exit(1)
	}

	v := vault.New()

	switch args[0] {
	case "list":
		names, err := v.List()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error listing secrets: %v\n", err)
			os.Exit(1)
		}
		if len(names) == 0 {
			fmt.Println("No secrets stored")
			return
		}
		for _, name := range names {
			fmt.Printf("  %s: ****\n", name)
		}

	case "set":
		if len(args) < 2 {
			fmt.Println("Usage: cachetap keys set <name>")
			os.Exit(1)
		}
		name := strings.ToLower(args[1])
		fmt.Printf("Enter secret for %s: ", name)
		secret, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error reading secret: %v\n", err)
			os.Exit(1)
		}
		if err := v.Set(name, string(secret)); err != nil {
			fmt.Fprintf(os.Stderr, "error storing secret: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Secret %s stored successfully\n", name)

	case "delete":
		if len(args) < 2 {
			fmt.Println("Usage: cachetap keys delete <name>")
			os.Exit(1)
		}
		name := strings.ToLower(args[1])
		if err := v.Delete(name); err != nil {
			fmt.Fprintf(os.Stderr, "error deleting secret: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Secret %s deleted\n", name)

	default:
		fmt.Fprintf(os.Stderr, "unknown keys command: %s\n", args[0])
		os.Exit(1)
	}
}
