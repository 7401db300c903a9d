// Command salphone программный телефон на стеке sal: принимает и совершает
// вызовы, переводит их через REFER и отдает метрики prometheus.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
