// scansrv exposes a step-and-settle confocal scanner over HTTP.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "scansrv.yml"
	k              = koanf.New(".")
)

func setupconfig() {
	k.Load(structs.Provider(DefaultConfig(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `scansrv drives a step-and-settle motor stage and a clocked photon counter
as if they were a confocal scanner, and exposes the scanner over HTTP.
Every pixel is a strict move -> settle -> count sequence; positions outside
the configured scan window are rejected before any hardware is commanded.

Usage:
	scansrv <command>

Commands:
	run
	scan
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `scansrv is amenable to configuration via its .yaml file.  For a primer on YAML, see
https://yaml.org/start.html

Without a configuration, the server runs against simulated hardware with a
three axis 300x300x160um piezo stage.

Each axis carries a travel range (Min/Max), a step size, and a scan window
(WindowMin/WindowMax).  The window must lie inside the travel; the server
refuses to start otherwise.  Requests outside the window are rejected with
400, never silently clamped.

Set Mock: false and fill in the Stage and Counter addresses to drive real
hardware.  The stage speaks GCS2 over TCP or serial; the counter speaks a
CRC-checked binary telegram protocol, typically over serial.

The scan subcommand rasters a frame over the XY window and records it as
FITS under DataRoot:

	scansrv scan -width 100 -height 100 -xmax 50e-6 -ymax 50e-6`
	fmt.Println(str)
}

func mkconf() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := Config{}
	k.Unmarshal("", &c)
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("scansrv version %v\n", Version)
}

func run() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	fuse, err := BuildInterfuse(c)
	if err != nil {
		log.Fatal(err)
	}
	defer fuse.Shutdown()
	mux := BuildMux(c, fuse)
	log.Println("now listening for requests at ", c.Addr)
	log.Fatal(http.ListenAndServe(c.Addr, mux))
}

func scanCmd(args []string) {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	p := ScanParams{}
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	fs.Float64Var(&p.XMin, "xmin", 0, "first column coordinate, m")
	fs.Float64Var(&p.XMax, "xmax", 10e-6, "last column coordinate, m")
	fs.Float64Var(&p.YMin, "ymin", 0, "first row coordinate, m")
	fs.Float64Var(&p.YMax, "ymax", 10e-6, "last row coordinate, m")
	fs.IntVar(&p.Width, "width", 10, "pixels per row")
	fs.IntVar(&p.Height, "height", 10, "rows")
	fs.Parse(args)

	fuse, err := BuildInterfuse(c)
	if err != nil {
		log.Fatal(err)
	}
	defer fuse.Shutdown()
	fn, err := RunScan(c, fuse, p)
	if err != nil {
		log.Fatal(err)
	}
	log.Println("frame written to ", fn)
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "scan":
		scanCmd(args[2:])
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
