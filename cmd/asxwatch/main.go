// asxwatch is a terminal client for watching ASX quotes. It keeps its own watch
// set and reads the same ASXWATCH_* settings as asxwatchd.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/olekukonko/tablewriter"

	"github.com/johnsiilver/asxwatch/config"
	"github.com/johnsiilver/asxwatch/format"
	"github.com/johnsiilver/asxwatch/marketdata"
	"github.com/johnsiilver/asxwatch/persist"
	"github.com/johnsiilver/asxwatch/state/data"
	"github.com/johnsiilver/asxwatch/stocks"
	"github.com/johnsiilver/asxwatch/ticker"
	"github.com/johnsiilver/asxwatch/watchlist"
	"github.com/johnsiilver/asxwatch/watchset"
)

var (
	envFile = flag.String("env", ".env", "dotenv file to load before reading the environment")
	once    = flag.Bool("once", false, "print the trending quotes and exit")
)

var (
	reader = bufio.NewReader(os.Stdin)
	ctx    = context.Background()
	cfg    *config.Config
	m      *watchset.Manager
	wl     *watchlist.Store
)

// clear clears the terminal screen.
func clear() {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "linux", "darwin":
		cmd = exec.Command("clear")
	case "windows":
		cmd = exec.Command("cmd", "/c", "cls")
	default:
		return
	}
	cmd.Stdout = os.Stdout
	cmd.Run()
}

// readInt reads a line from the command line, looking for an int.
func readInt() (int, error) {
	text, err := readLine()
	if err != nil {
		return 0, err
	}

	i, err := strconv.Atoi(text)
	if err != nil {
		return 0, fmt.Errorf("%s is not a valid integer: %s", text, err)
	}
	return i, nil
}

// readLine reads the next line of input and returns it.
func readLine() (string, error) {
	text, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// readTickers reads a line of tickers separated by spaces or commas.
func readTickers() ([]string, error) {
	text, err := readLine()
	if err != nil {
		return nil, err
	}
	fields := strings.FieldsFunc(text, func(r rune) bool { return r == ',' || r == ' ' || r == ';' })

	out := make([]string, 0, len(fields))
	for _, f := range fields {
		t, err := ticker.Validate(f)
		if err != nil {
			return nil, fmt.Errorf("%q: %s", f, err)
		}
		out = append(out, t)
	}
	if len(out) == 0 {
		_, err := ticker.Validate("")
		return nil, err
	}
	return ticker.Dedupe(out), nil
}

func pause() {
	fmt.Println("Hit return to continue")
	readLine()
}

// topMenu displays the top level menu.
func topMenu() error {
	clear()

	fmt.Println("Options")
	fmt.Println("----------------------")
	fmt.Println("(1)watch tickers")
	fmt.Println("(2)unwatch tickers")
	fmt.Println("(3)show a ticker")
	fmt.Println("(4)list watched tickers")
	fmt.Println("(5)add/remove from watchlist")
	fmt.Println("(6)search stocks")
	fmt.Println("(7)refresh everything")
	fmt.Println("(8)evict idle tickers")
	fmt.Println("(9)quit")
	fmt.Println("----------------------")
	fmt.Print("> ")

	i, err := readInt()
	if err != nil {
		return err
	}

	switch i {
	case 1:
		return watchMenu()
	case 2:
		return unwatchMenu()
	case 3:
		return showMenu()
	case 4:
		return listWatched()
	case 5:
		return watchlistMenu()
	case 6:
		return searchMenu()
	case 7:
		m.Refresh(m.Watched()...)
		return listWatched()
	case 8:
		evicted := m.Cleanup()
		fmt.Printf("Evicted: %v\n", evicted)
		pause()
	case 9:
		return errQuit
	default:
		return fmt.Errorf("%d was not a valid option", i)
	}
	return nil
}

func watchMenu() error {
	clear()
	fmt.Println("Provide the tickers to watch")
	fmt.Println("Example: cba, bhp, wes")
	fmt.Println("----------------------")
	fmt.Print("> ")
	tickers, err := readTickers()
	if err != nil {
		return err
	}

	m.Watch(tickers...)
	if _, ok := m.Entry(tickers[0]); !ok {
		// Nothing was watched, the batch error says why.
		return m.Error(tickers[0])
	}
	waitFor(tickers...)
	return listWatched()
}

func unwatchMenu() error {
	clear()
	fmt.Println("Provide the tickers to stop watching")
	fmt.Println("----------------------")
	fmt.Print("> ")
	tickers, err := readTickers()
	if err != nil {
		return err
	}
	m.Unwatch(tickers...)
	return nil
}

// showMenu puts one ticker in the primary view and prints its detail.
func showMenu() error {
	clear()
	fmt.Println("Provide the ticker to show")
	fmt.Println("----------------------")
	fmt.Print("> ")
	tickers, err := readTickers()
	if err != nil {
		return err
	}
	t := tickers[0]

	m.Watch(t)
	m.SetCurrentlyDisplayed(t)
	defer m.SetCurrentlyDisplayed("")
	waitFor(t)

	clear()
	if err := m.Error(t); err != nil {
		return err
	}
	qd := m.GetQuoteData(t)
	if qd == nil {
		return fmt.Errorf("no quote for %s yet", t)
	}
	q := qd.Quote

	name := stocks.Name(t)
	if name == "" {
		name = t
	}
	fmt.Printf("%s (%s)\n", name, t)
	if m.IsStale(t) {
		fmt.Println("(quote is stale)")
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Field", "Value"})
	table.AppendBulk([][]string{
		{"Last", format.Currency(q.Last)},
		{"Change", format.Currency(q.NetChange) + " (" + format.Percentage(q.PctChange) + ")"},
		{"Open", format.Currency(q.Open)},
		{"Day Range", format.Currency(q.Low) + " - " + format.Currency(q.High)},
		{"52w Range", format.Currency(q.YearLow) + " - " + format.Currency(q.YearHigh)},
		{"From 52w High", format.PercentFromHigh(q.PercentFromHigh())},
		{"Volume", format.Number(q.Volume)},
		{"Market Value", format.MarketValue(q.MarketValue)},
		{"P/E", format.Ratio(q.PERatio)},
		{"EPS", format.Currency(q.EPS)},
	})
	table.Render()

	cctx, cancel := context.WithTimeout(ctx, cfg.FetchTimeout)
	defer cancel()
	if cd, err := m.Company(cctx, t); err == nil {
		fmt.Println()
		fmt.Println(cd.CompanyInfo)
	} else {
		glog.V(1).Infof("no company information for %s: %s", t, err)
	}

	pause()
	return nil
}

func watchlistMenu() error {
	clear()
	fmt.Printf("Watchlist: %v\n", wl.List())
	fmt.Println("Provide a ticker to add or remove")
	fmt.Println("----------------------")
	fmt.Print("> ")
	tickers, err := readTickers()
	if err != nil {
		return err
	}

	listed, err := wl.Toggle(ctx, tickers[0])
	if err != nil {
		return err
	}
	if listed {
		m.Watch(tickers[0])
		fmt.Printf("%s added to the watchlist\n", tickers[0])
	} else {
		fmt.Printf("%s removed from the watchlist\n", tickers[0])
	}
	pause()
	return nil
}

func searchMenu() error {
	clear()
	fmt.Println("Search by ticker or name")
	fmt.Println("----------------------")
	fmt.Print("> ")
	q, err := readLine()
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Ticker", "Name"})
	for _, s := range stocks.Search(q) {
		table.Append([]string{s.Ticker, s.Name})
	}
	table.Render()

	pause()
	return nil
}

// waitFor waits up to the fetch timeout for tickers to finish loading.
func waitFor(tickers ...string) {
	deadline := time.Now().Add(cfg.FetchTimeout)
	for m.IsTickerLoading(tickers...) && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}
}

func listWatched() error {
	clear()
	fmt.Println("Watched tickers:")
	fmt.Println("----------------------")

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Ticker", "Name", "Last", "Change", "Market Value", "Status"})
	for _, e := range m.Snapshot() {
		table.Append(entryRow(e, m.IsStale(e.Ticker)))
	}
	table.Render()

	pause()
	return nil
}

func entryRow(e data.Entry, stale bool) []string {
	row := []string{e.Ticker, stocks.Name(e.Ticker), "", "", "", ""}
	if e.Quote != nil {
		q := e.Quote.Quote
		row[2] = format.Currency(q.Last)
		row[3] = format.Percentage(q.PctChange)
		row[4] = format.MarketValue(q.MarketValue)
	}
	switch {
	case e.Loading:
		row[5] = "loading"
	case e.Err != nil:
		row[5] = e.Err.Error()
	case stale:
		row[5] = "stale"
	}
	return row
}

// printTrending fetches the trending quotes once and prints them.
func printTrending() {
	quotes, _ := cfg.Fetchers()

	fctx, cancel := context.WithTimeout(ctx, cfg.FetchTimeout)
	defer cancel()

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Ticker", "Name", "Last", "Change", "Market Value"})
	for _, r := range marketdata.FetchMany(fctx, quotes, stocks.Trending(cfg.TrendingCount)) {
		if r.Err != nil {
			table.Append([]string{r.Ticker, stocks.Name(r.Ticker), r.Err.Error(), "", ""})
			continue
		}
		q := r.Data.Quote
		table.Append([]string{r.Ticker, stocks.Name(r.Ticker), format.Currency(q.Last), format.Percentage(q.PctChange), format.MarketValue(q.MarketValue)})
	}
	table.Render()
}

func main() {
	flag.Parse()

	var err error
	cfg, err = config.Load(*envFile)
	if err != nil {
		fmt.Printf("Error: %s\n", err)
		os.Exit(1)
	}

	if *once {
		printTrending()
		return
	}

	kv, closer, err := cfg.OpenKV()
	if err != nil {
		fmt.Printf("Error: %s\n", err)
		os.Exit(1)
	}
	defer closer.Close()
	wl = watchlist.Open(ctx, persist.NewSet(kv), persist.WatchlistKey)

	quotes, company := cfg.Fetchers()
	m, err = watchset.New(watchset.Config{
		Fetcher:         quotes,
		Company:         company,
		Scheduler:       cfg.Scheduler(),
		Backoff:         cfg.Backoff(),
		FetchTimeout:    cfg.FetchTimeout,
		MaxConcurrent:   cfg.MaxConcurrentFetches,
		Trending:        stocks.Trending(cfg.TrendingCount),
		Watchlist:       wl,
		IdleThreshold:   cfg.IdleThreshold,
		CleanupInterval: cfg.CleanupInterval,
		RefreshTick:     cfg.RefreshTick,
	})
	if err != nil {
		fmt.Printf("Error: %s\n", err)
		os.Exit(1)
	}
	defer m.Close()
	m.Start(ctx)

	run()
	glog.Flush()
}

// errQuit is returned by the menu when the user asks to quit.
var errQuit = errors.New("quit")

// run shows the menu until the user quits or input ends.
func run() {
	for {
		err := topMenu()
		switch {
		case err == nil:
		case errors.Is(err, errQuit), errors.Is(err, io.EOF):
			return
		default:
			fmt.Println(err)
			pause()
		}
	}
}
