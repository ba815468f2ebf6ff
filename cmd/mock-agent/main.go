// Package main implements a mock coding agent for manual and end-to-end
// testing. It behaves like a TUI agent inside a PTY: it renders working
// spinners, periodically asks for confirmation, and reacts to keyboard
// input, which exercises terminal multiplexing and signal classification
// without spending real agent tokens.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"
)

var spinnerFrames = []rune{'✶', '✻', '✽', '∴', '·'}

func main() {
	rounds := flag.Int("rounds", 3, "number of work/confirm cycles before exiting")
	workFor := flag.Duration("work", 2*time.Second, "how long each working phase lasts")
	exitCode := flag.Int("exit-code", 0, "exit code after the last round")
	flag.Parse()

	fmt.Println("mock-agent ready")
	if wd, err := os.Getwd(); err == nil {
		fmt.Printf("workspace: %s\n", wd)
	}

	input := readLines(os.Stdin)

	for round := 1; round <= *rounds; round++ {
		spin(fmt.Sprintf("Editing files (round %d/%d)", round, *rounds), *workFor)

		fmt.Printf("\nDo you want to apply this edit? (y/n) ")
		answer, ok := <-input
		if !ok {
			// stdin closed: the supervisor is tearing us down
			os.Exit(*exitCode)
		}
		switch strings.ToLower(strings.TrimSpace(answer)) {
		case "n", "no":
			fmt.Println("\nedit discarded")
		case "q", "quit":
			fmt.Println("\nbye")
			os.Exit(*exitCode)
		default:
			fmt.Println("\nedit applied")
		}
	}

	fmt.Println("all rounds complete")
	os.Exit(*exitCode)
}

// spin renders a TUI-style spinner line, redrawn in place.
func spin(label string, d time.Duration) {
	deadline := time.Now().Add(d)
	frame := 0
	for time.Now().Before(deadline) {
		fmt.Printf("\r\x1b[2K%c %s… (esc to interrupt)", spinnerFrames[frame%len(spinnerFrames)], label)
		frame++
		time.Sleep(150 * time.Millisecond)
	}
	fmt.Printf("\r\x1b[2K")
}

// readLines pumps stdin lines into a channel so prompts can block on input
// while still noticing EOF.
func readLines(f *os.File) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			ch <- scanner.Text()
		}
	}()
	return ch
}
