// Command fakesolver is a deterministic stand-in for the optimizer binaries.
// It reads the same stdin layouts and answers with a greedy plan, so the API
// can run end to end without the real solver. The problem kind comes from the
// first argument or, failing that, from the binary name.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

func main() {
	kind := filepath.Base(os.Args[0])
	if len(os.Args) > 1 {
		kind = os.Args[1]
	}
	in := newReader(os.Stdin)
	var err error
	switch {
	case strings.Contains(kind, "pickup"):
		err = pickup(in, os.Stdout)
	case strings.Contains(kind, "dispatch"):
		err = dispatch(in, os.Stdout)
	default:
		err = fmt.Errorf("unknown problem kind %q", kind)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "fakesolver:", err)
		os.Exit(1)
	}
}

type reader struct {
	sc  *bufio.Scanner
	err error
}

func newReader(r io.Reader) *reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<24)
	sc.Split(bufio.ScanWords)
	return &reader{sc: sc}
}

func (r *reader) float() float64 {
	if r.err != nil {
		return 0
	}
	if !r.sc.Scan() {
		r.err = io.ErrUnexpectedEOF
		if err := r.sc.Err(); err != nil {
			r.err = err
		}
		return 0
	}
	f, err := strconv.ParseFloat(r.sc.Text(), 64)
	if err != nil {
		r.err = err
	}
	return f
}

func (r *reader) int() int { return int(r.float()) }

// dispatch hands jobs out in deadline order, each to the next rider that
// still has room. Jobs that fit nobody are left out.
func dispatch(in *reader, out io.Writer) error {
	n := in.int()
	for i := 0; i < (n+1)*(n+1); i++ {
		in.int()
	}
	vol := make([]int, n)
	for i := range vol {
		vol[i] = in.int()
	}
	deadline := make([]int, n)
	for i := range deadline {
		deadline[i] = in.int()
	}
	for i := 0; i < 2*(n+1); i++ {
		in.float()
	}
	// depot count, then one depot reference per job
	in.int()
	for i := 0; i < n; i++ {
		in.int()
	}
	m := in.int()
	room := make([]int, m)
	for i := range room {
		room[i] = in.int()
	}
	if in.err != nil {
		return fmt.Errorf("read dispatch input: %w", in.err)
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return deadline[order[a]] < deadline[order[b]] })

	routes := make([][]int, m)
	next := 0
	for _, j := range order {
		for k := 0; k < m; k++ {
			ri := (next + k) % m
			if vol[j] <= room[ri] {
				room[ri] -= vol[j]
				routes[ri] = append(routes[ri], j+1)
				next = (ri + 1) % max(m, 1)
				break
			}
		}
	}

	w := bufio.NewWriter(out)
	for _, r := range routes {
		for _, j := range r {
			fmt.Fprintf(w, "%d ", j)
		}
		fmt.Fprintln(w, -1)
	}
	return w.Flush()
}

// pickup appends the parcel to the end of the first ledger whose pending
// load leaves room for it.
func pickup(in *reader, out io.Writer) error {
	in.int()
	volume := in.int()
	in.int()
	l := in.int()
	capacity := make([]int, l)
	for i := range capacity {
		capacity[i] = in.int()
	}
	chosen, after := -1, 0
	for li := 0; li < l; li++ {
		count := in.int()
		in.int()
		load := 0
		for e := 0; e < count; e++ {
			load += in.int()
			for f := 0; f < 4; f++ {
				in.int()
			}
		}
		if chosen < 0 && count > 0 && load+volume <= capacity[li] {
			chosen, after = li, count-1
		}
	}
	if in.err != nil {
		return fmt.Errorf("read pickup input: %w", in.err)
	}
	if chosen < 0 {
		_, err := fmt.Fprintln(out, -1)
		return err
	}
	_, err := fmt.Fprintf(out, "%d %d\n", chosen, after)
	return err
}
