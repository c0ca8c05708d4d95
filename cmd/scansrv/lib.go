package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/theckman/yacspin"

	"github.com/diamond2nv/qudi/axis"
	"github.com/diamond2nv/qudi/counter"
	"github.com/diamond2nv/qudi/generichttp"
	"github.com/diamond2nv/qudi/generichttp/scan"
	"github.com/diamond2nv/qudi/interfuse"
	"github.com/diamond2nv/qudi/raster"
	"github.com/diamond2nv/qudi/scanrec"
	"github.com/diamond2nv/qudi/server/middleware/locker"
	"github.com/diamond2nv/qudi/stage"
	"github.com/diamond2nv/qudi/util"
)

// DeviceSetup holds the connection parameters for one hardware device.
type DeviceSetup struct {
	// Addr holds the network or filesystem address of the remote device,
	// e.g. 192.168.100.123:2006 for a device connected to port 6
	// on a digi portserver, or /dev/ttyUSB0 for an RS232 device on a serial cable
	Addr string `yaml:"Addr" koanf:"Addr"`

	// Serial determines if the connection is serial/RS232 (True) or TCP (False)
	Serial bool `yaml:"Serial" koanf:"Serial"`
}

// AxisSetup describes one stage axis and its scan window.
type AxisSetup struct {
	// Label is the controller's name for the axis
	Label string `yaml:"Label" koanf:"Label"`

	// Min and Max bound the physical travel, meters
	Min float64 `yaml:"Min" koanf:"Min"`
	Max float64 `yaml:"Max" koanf:"Max"`

	// Step is the smallest commandable increment, meters
	Step float64 `yaml:"Step" koanf:"Step"`

	// WindowMin and WindowMax bound the permitted scan window, meters.
	// They must lie inside the travel.
	WindowMin float64 `yaml:"WindowMin" koanf:"WindowMin"`
	WindowMax float64 `yaml:"WindowMax" koanf:"WindowMax"`
}

// TimingSetup holds the settle and clock parameters.
type TimingSetup struct {
	// WaitAfterMovementS is the post-settle hold time, seconds
	WaitAfterMovementS float64 `yaml:"WaitAfterMovementS" koanf:"WaitAfterMovementS"`

	// SettleTimeoutS bounds how long a move may take to settle, seconds
	SettleTimeoutS float64 `yaml:"SettleTimeoutS" koanf:"SettleTimeoutS"`

	// ClockHz is the default acquisition clock frequency
	ClockHz float64 `yaml:"ClockHz" koanf:"ClockHz"`

	// DwellBins is the number of clocked bins acquired per pixel
	DwellBins int `yaml:"DwellBins" koanf:"DwellBins"`
}

// SimSetup parameterizes the mock hardware used when Mock is true.
type SimSetup struct {
	// StageVelocity is the simulated stage speed, m/s; zero is instantaneous
	StageVelocity float64 `yaml:"StageVelocity" koanf:"StageVelocity"`

	// CountRate is the simulated mean photon rate, counts/s
	CountRate float64 `yaml:"CountRate" koanf:"CountRate"`
}

// Config holds the initialization parameters for the scan server.
type Config struct {
	// Addr is the address to listen at
	Addr string `yaml:"Addr" koanf:"Addr"`

	// Mock substitutes simulated hardware for the stage and counter
	Mock bool `yaml:"Mock" koanf:"Mock"`

	// DataRoot is where scan frames are recorded
	DataRoot string `yaml:"DataRoot" koanf:"DataRoot"`

	Stage   DeviceSetup `yaml:"Stage" koanf:"Stage"`
	Counter DeviceSetup `yaml:"Counter" koanf:"Counter"`

	Axes []AxisSetup `yaml:"Axes" koanf:"Axes"`

	Timing TimingSetup `yaml:"Timing" koanf:"Timing"`

	Sim SimSetup `yaml:"Sim" koanf:"Sim"`
}

// DefaultConfig is the configuration written by mkconf, a three axis
// piezo stage with a 300x300x160um travel scanned over its full XY range.
func DefaultConfig() Config {
	return Config{
		Addr:     ":8080",
		Mock:     true,
		DataRoot: "data",
		Stage:    DeviceSetup{Addr: "192.168.100.10:50000"},
		Counter:  DeviceSetup{Addr: "/dev/ttyUSB0", Serial: true},
		Axes: []AxisSetup{
			{Label: "x", Min: 0, Max: 300e-6, Step: 1e-9, WindowMin: 0, WindowMax: 300e-6},
			{Label: "y", Min: 0, Max: 300e-6, Step: 1e-9, WindowMin: 0, WindowMax: 300e-6},
			{Label: "z", Min: 0, Max: 160e-6, Step: 1e-9, WindowMin: 0, WindowMax: 100e-6},
		},
		Timing: TimingSetup{
			WaitAfterMovementS: 0.05,
			SettleTimeoutS:     30,
			ClockHz:            50,
			DwellBins:          1,
		},
		Sim: SimSetup{StageVelocity: 1e-3, CountRate: 1e5},
	}
}

// BuildGuard converts the axis setups into a range guard.
func BuildGuard(c Config) (*axis.RangeGuard, error) {
	axes := make([]axis.Axis, len(c.Axes))
	spans := make([]axis.Span, len(c.Axes))
	for i, a := range c.Axes {
		axes[i] = axis.Axis{Label: a.Label, Min: a.Min, Max: a.Max, Step: a.Step}
		spans[i] = axis.Span{Min: a.WindowMin, Max: a.WindowMax}
	}
	return axis.NewRangeGuard(axes, spans)
}

// BuildInterfuse assembles the stage, counter and guard into an interfuse
// per the config.  Mock swaps both devices for simulators.
func BuildInterfuse(c Config) (*interfuse.Interfuse, error) {
	guard, err := BuildGuard(c)
	if err != nil {
		return nil, err
	}
	var (
		stg interfuse.PositionDriver
		cnt interfuse.CountAcquirer
	)
	if c.Mock {
		stg = stage.NewSim(c.Sim.StageVelocity)
		cnt = counter.NewSim(c.Sim.CountRate)
	} else {
		ctl := stage.NewController(c.Stage.Addr, c.Stage.Serial)
		if err := ctl.Open(); err != nil {
			return nil, fmt.Errorf("stage: %w", err)
		}
		stg = ctl
		dev := counter.NewDevice(c.Counter.Addr, c.Counter.Serial)
		if err := dev.Open(); err != nil {
			ctl.Close()
			return nil, fmt.Errorf("counter: %w", err)
		}
		cnt = dev
	}
	return interfuse.New(stg, cnt, guard, interfuse.Config{
		WaitAfterMovement: util.SecsToDuration(c.Timing.WaitAfterMovementS),
		SettleTimeout:     util.SecsToDuration(c.Timing.SettleTimeoutS),
		ClockHz:           c.Timing.ClockHz,
		DwellBins:         c.Timing.DwellBins,
	})
}

// BuildMux wraps the interfuse in an HTTP interface with logging and a
// lock middleware.
func BuildMux(c Config, fuse *interfuse.Interfuse) chi.Router {
	httper := scan.NewHTTPScan(fuse, c.Timing.ClockHz)
	lock := locker.New()
	locker.Inject(httper, lock)

	root := chi.NewRouter()
	root.Use(middleware.Logger)
	r := chi.NewRouter()
	r.Use(lock.Check)
	httper.RT().Bind(r)
	root.Mount(generichttp.SubMuxSanitize("/scanner"), r)
	return root
}

// ScanParams describes one raster acquisition from the command line.
type ScanParams struct {
	XMin, XMax float64
	YMin, YMax float64
	Width      int
	Height     int
}

// RunScan rasters a frame per the params and records it under the data
// root, reporting progress on the terminal.
func RunScan(c Config, fuse *interfuse.Interfuse, p ScanParams) (string, error) {
	spin, err := yacspin.New(yacspin.Config{
		Frequency:       100 * time.Millisecond,
		CharSet:         yacspin.CharSets[59],
		Suffix:          " scanning",
		SuffixAutoColon: true,
		StopCharacter:   "done",
		Writer:          os.Stdout,
	})
	if err != nil {
		return "", err
	}
	seq := raster.NewSequencer(fuse, c.Timing.ClockHz)
	seq.OnPixel = func(done, total int) {
		spin.Message(fmt.Sprintf("pixel %d/%d", done, total))
	}
	if err := spin.Start(); err != nil {
		log.Println(err)
	}
	fr, err := seq.ScanFrame(raster.Grid{
		Base:   fuse.Position(),
		XIndex: 0,
		YIndex: 1,
		Xs:     raster.Linspace(p.XMin, p.XMax, p.Width),
		Ys:     raster.Linspace(p.YMin, p.YMax, p.Height),
	})
	if err != nil {
		spin.StopFail()
		return "", err
	}
	spin.Stop()
	rec := &scanrec.Recorder{Root: c.DataRoot, Prefix: "scan-"}
	return rec.Save(fr)
}
