// Command uwushare queries a directory node and downloads files from the
// peers it lists.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"

	"uwushare/internal/config"
	"uwushare/internal/directory"
	"uwushare/internal/network"
	"uwushare/internal/node"
	"uwushare/internal/proto"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	app := newApp(stdout, stderr)
	if err := app.RunContext(context.Background(), append([]string{app.Name}, args...)); err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		var ec cli.ExitCoder
		if errors.As(err, &ec) {
			return ec.ExitCode()
		}
		return 1
	}
	return 0
}

func newApp(stdout, stderr io.Writer) *cli.App {
	common := []cli.Flag{
		&cli.StringFlag{
			Name:    "directory",
			Aliases: []string{"d"},
			Value:   config.DefaultDirectoryListen,
			Usage:   "directory node address",
			EnvVars: []string{"UWU_DIRECTORY"},
		},
		&cli.StringFlag{Name: "transport", Value: "tcp", Usage: "tcp or quic"},
		&cli.DurationFlag{Name: "timeout", Value: 5 * time.Second, Usage: "per request timeout"},
		&cli.StringFlag{Name: "self", Usage: "identity sent in peer_info, host:port"},
	}
	return &cli.App{
		Name:           "uwushare",
		Usage:          "browse the file directory and fetch files from peers",
		Writer:         stdout,
		ErrWriter:      stderr,
		ExitErrHandler: func(*cli.Context, error) {},
		Action: func(c *cli.Context) error {
			if c.Args().Present() {
				return fmt.Errorf("unknown command: %s", c.Args().First())
			}
			return cli.ShowAppHelp(c)
		},
		Commands: []*cli.Command{
			{Name: "show", Usage: "print the whole directory", Flags: common, Action: cmdShow},
			{Name: "locate", Usage: "list the providers of a file", ArgsUsage: "<file>", Flags: common, Action: cmdLocate},
			{Name: "peers", Usage: "list nodes that provide files", Flags: common, Action: cmdPeers},
			{
				Name:      "download",
				Usage:     "download a file from the first provider that has it",
				ArgsUsage: "<file> [dest]",
				Flags: append([]cli.Flag{
					&cli.StringFlag{Name: "from", Usage: "provider host:port, skips the directory lookup"},
				}, common...),
				Action: cmdDownload,
			},
		},
	}
}

type session struct {
	client    *network.Client
	self      proto.PeerInfo
	directory string
	timeout   time.Duration
}

func newSession(c *cli.Context) (*session, error) {
	tr, err := network.New(c.String("transport"))
	if err != nil {
		return nil, cli.Exit(err, 2)
	}
	self := proto.PeerInfo{Host: "127.0.0.1"}
	if s := c.String("self"); s != "" {
		if self, err = proto.ParsePeerInfo(s); err != nil {
			return nil, cli.Exit(err, 2)
		}
	}
	return &session{
		client:    network.NewClient(tr, network.ClientOptions{Timeout: c.Duration("timeout")}),
		self:      self,
		directory: c.String("directory"),
		timeout:   c.Duration("timeout"),
	}, nil
}

func (s *session) request(ctx context.Context, addr string, a proto.Action, payload, out any) error {
	env, err := proto.NewEnvelope(proto.TypeRequest, a, s.self, payload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	resp, err := s.client.Request(ctx, addr, env)
	if err != nil {
		return fmt.Errorf("%s %s: %w", a, addr, err)
	}
	if resp.Type == proto.TypeError {
		var ep proto.ErrorPayload
		_ = resp.DecodeData(&ep)
		return fmt.Errorf("%s %s: remote %s: %s", a, addr, resp.Action, ep.Message)
	}
	return resp.DecodeData(out)
}

func cmdShow(c *cli.Context) error {
	s, err := newSession(c)
	if err != nil {
		return err
	}
	var dr proto.DirectoryResponse
	if err := s.request(c.Context, s.directory, proto.ActionGetDirectory, nil, &dr); err != nil {
		return err
	}
	snap, _ := directory.FromListing(dr.DHT)
	printDirectory(c.App.Writer, snap)
	return nil
}

func cmdLocate(c *cli.Context) error {
	name := c.Args().First()
	if name == "" {
		return cli.Exit("locate: missing file name", 2)
	}
	s, err := newSession(c)
	if err != nil {
		return err
	}
	providers, err := s.locate(c.Context, name)
	if err != nil {
		return err
	}
	if len(providers) == 0 {
		return cli.Exit(fmt.Sprintf("%s: no providers", name), 1)
	}
	printPeers(c.App.Writer, providers)
	return nil
}

func (s *session) locate(ctx context.Context, name string) ([]proto.PeerInfo, error) {
	var loc proto.FileLocation
	if err := s.request(ctx, s.directory, proto.ActionGetFile, proto.FileQuery{Filename: name}, &loc); err != nil {
		return nil, err
	}
	return loc.Providers, nil
}

func cmdPeers(c *cli.Context) error {
	s, err := newSession(c)
	if err != nil {
		return err
	}
	var pl proto.PeerList
	if err := s.request(c.Context, s.directory, proto.ActionPeerDiscovery, nil, &pl); err != nil {
		return err
	}
	printPeers(c.App.Writer, pl.Peers)
	return nil
}

func cmdDownload(c *cli.Context) error {
	name := c.Args().First()
	if name == "" {
		return cli.Exit("download: missing file name", 2)
	}
	dest := c.Args().Get(1)
	s, err := newSession(c)
	if err != nil {
		return err
	}
	var providers []proto.PeerInfo
	if from := c.String("from"); from != "" {
		p, err := proto.ParsePeerInfo(from)
		if err != nil {
			return cli.Exit(err, 2)
		}
		providers = []proto.PeerInfo{p}
	} else if providers, err = s.locate(c.Context, name); err != nil {
		return err
	}
	if len(providers) == 0 {
		return cli.Exit(fmt.Sprintf("%s: no providers", name), 1)
	}
	var errs []error
	for _, p := range providers {
		ctx, cancel := context.WithTimeout(c.Context, s.timeout)
		n, err := node.Download(ctx, s.client, s.self, p, name, dest)
		cancel()
		if err == nil {
			fmt.Fprintf(c.App.Writer, "downloaded %s (%d bytes) from %s\n", name, n, p)
			return nil
		}
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func printDirectory(w io.Writer, snap directory.Snapshot) {
	if len(snap) == 0 {
		fmt.Fprintln(w, "directory is empty")
		return
	}
	t := tablewriter.NewWriter(w)
	t.SetHeader([]string{"file", "provider", "details"})
	t.SetAutoMergeCells(true)
	t.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, f := range snap.Files() {
		for _, p := range snap.Providers(f) {
			t.Append([]string{f, p.String(), detailString(snap[f][p])})
		}
	}
	t.Render()
}

func printPeers(w io.Writer, peers []proto.PeerInfo) {
	if len(peers) == 0 {
		fmt.Fprintln(w, "no peers")
		return
	}
	t := tablewriter.NewWriter(w)
	t.SetHeader([]string{"host", "port"})
	t.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, p := range peers {
		t.Append([]string{p.Host, fmt.Sprint(p.Port)})
	}
	t.Render()
}

// detailString shows string details unquoted and anything else as JSON.
func detailString(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}
