// Command certgen manages the platform's TLS material outside the daemon:
// it generates server.pfx ahead of first start and inspects existing
// containers.
package main

import (
	"flag"
	"fmt"
	"os"
	"syscall"

	"golang.org/x/term"

	"github.com/portlink/backend/internal/certstore"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "generate":
		generateCmd(args)
	case "show":
		showCmd(args)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("certgen - portlink TLS material tool")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  certgen generate [flags]  - Generate server.pfx and server.cer")
	fmt.Println("  certgen show [flags]      - Display certificate information")
	fmt.Println()
	fmt.Println("Run 'certgen <command> -h' for command-specific help")
}

func generateCmd(args []string) {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	pfxPath := fs.String("pfx", "server.pfx", "container output path")
	cerPath := fs.String("cer", "server.cer", "public DER export path")
	subject := fs.String("subject", "portlink", "certificate subject / DNS SAN")
	force := fs.Bool("force", false, "overwrite an existing container")
	fs.Parse(args)

	if _, err := os.Stat(*pfxPath); err == nil && !*force {
		fmt.Fprintf(os.Stderr, "%s already exists (use -force to overwrite)\n", *pfxPath)
		os.Exit(1)
	}
	os.Remove(*pfxPath)

	passphrase, err := readPassphraseTwice()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read passphrase: %v\n", err)
		os.Exit(1)
	}

	store, err := certstore.Open(certstore.Options{
		PFXPath:    *pfxPath,
		CERPath:    *cerPath,
		Passphrase: passphrase,
		Subject:    *subject,
	}, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Generation failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Server identity generated.")
	fmt.Println()
	fmt.Printf("Container:  %s\n", *pfxPath)
	fmt.Printf("Public DER: %s\n", *cerPath)
	fmt.Printf("Thumbprint: %s\n", store.Thumbprint())
	fmt.Printf("Expires:    %s\n", store.NotAfter().Format("2006-01-02"))
	if passphrase == "" {
		fmt.Println()
		fmt.Println("WARNING: container protected by the derived default passphrase")
	}
}

func showCmd(args []string) {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	pfxPath := fs.String("pfx", "server.pfx", "container path")
	subject := fs.String("subject", "portlink", "subject used for the derived passphrase")
	fs.Parse(args)

	fmt.Print("Passphrase: ")
	passBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read passphrase: %v\n", err)
		os.Exit(1)
	}

	store, err := certstore.Open(certstore.Options{
		PFXPath:    *pfxPath,
		Passphrase: string(passBytes),
		Subject:    *subject,
	}, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open container: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Thumbprint: %s\n", store.Thumbprint())
	fmt.Printf("Expires:    %s\n", store.NotAfter().Format("2006-01-02 15:04:05 MST"))
}

func readPassphraseTwice() (string, error) {
	fmt.Print("Enter passphrase (empty derives the default): ")
	first, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", err
	}
	if len(first) == 0 {
		return "", nil
	}
	fmt.Print("Confirm passphrase: ")
	second, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", err
	}
	if string(first) != string(second) {
		return "", fmt.Errorf("passphrases do not match")
	}
	return string(first), nil
}
