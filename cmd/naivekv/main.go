// Command naivekv is a minimal demonstration CLI for the NaiveKV engine:
// get/set/remove against a data directory, one operation per invocation.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/DevinZ1993/NaiveKV"
)

func dataDir() string {
	if dir := os.Getenv("NAIVEKV_DATA_DIR"); dir != "" {
		return dir
	}
	return "./naivekv-data"
}

func main() {
	var (
		dir    = flag.String("dir", dataDir(), "data directory")
		get    = flag.String("get", "", "get the value for a key")
		set    = flag.String("set", "", "set a key (use -value for its value)")
		value  = flag.String("value", "", "value for -set")
		remove = flag.String("remove", "", "remove a key")
	)
	flag.Parse()

	cfg := naivekv.DefaultConfig(*dir)
	cat, err := naivekv.Open(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "naivekv: opening %s: %v\n", *dir, err)
		os.Exit(1)
	}
	defer cat.Close()

	switch {
	case *get != "":
		v, err := cat.Get([]byte(*get))
		if err != nil {
			fmt.Fprintf(os.Stderr, "naivekv: get %q: %v\n", *get, err)
			os.Exit(1)
		}
		fmt.Println(string(v))
	case *set != "":
		if err := cat.Set([]byte(*set), []byte(*value)); err != nil {
			fmt.Fprintf(os.Stderr, "naivekv: set %q: %v\n", *set, err)
			os.Exit(1)
		}
	case *remove != "":
		if err := cat.Remove([]byte(*remove)); err != nil {
			fmt.Fprintf(os.Stderr, "naivekv: remove %q: %v\n", *remove, err)
			os.Exit(1)
		}
	default:
		fmt.Fprintln(os.Stderr, "usage: naivekv -dir <path> [-get key | -set key -value v | -remove key]")
		os.Exit(2)
	}
}
