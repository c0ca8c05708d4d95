// Package scan exposes a scanner interfuse over HTTP.
package scan

import (
	"encoding/json"
	"errors"
	"go/types"
	"net/http"

	"github.com/diamond2nv/qudi/axis"
	"github.com/diamond2nv/qudi/generichttp"
	"github.com/diamond2nv/qudi/interfuse"
	"github.com/diamond2nv/qudi/raster"
)

// Controller is the interfuse surface served over HTTP.
type Controller interface {
	// MoveTo moves to a position vector, blocking until settled
	MoveTo([]float64) error

	// Acquire reads one pixel of clocked counts
	Acquire(float64) (interfuse.Sample, error)

	// Position returns the last settled position
	Position() []float64

	// ScanRange returns the permitted scan window per axis
	ScanRange() []axis.Span

	// Axes describes the axes under control
	Axes() []axis.Axis

	// State returns the current session state
	State() interfuse.State

	// Abort cancels the in-flight operation
	Abort() error
}

// HTTPScan wraps a controller with an HTTP route table.
type HTTPScan struct {
	// Ctl is the wrapped controller
	Ctl Controller

	// ClockHz is the acquisition clock used for scans; zero selects the
	// controller default
	ClockHz float64

	routeTable generichttp.RouteTable
}

// NewHTTPScan wraps ctl in an HTTP interface.
func NewHTTPScan(ctl Controller, clockHz float64) HTTPScan {
	w := HTTPScan{Ctl: ctl, ClockHz: clockHz}
	rt := generichttp.RouteTable{
		generichttp.MethodPath{Method: http.MethodGet, Path: "/pos"}:        w.GetPos,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/pos"}:       w.SetPos,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/acquire"}:   w.Acquire,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/scan"}:      w.Scan,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/scan-range"}: w.GetScanRange,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/axes"}:       w.GetAxes,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/state"}:      w.GetState,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/abort"}:     w.Abort,
	}
	w.routeTable = rt
	return w
}

// RT satisfies generichttp.HTTPer.
func (h HTTPScan) RT() generichttp.RouteTable {
	return h.routeTable
}

// httpError writes err to w, mapping rejected positions to 400 and
// everything else to 500.
func httpError(w http.ResponseWriter, err error) {
	var oor axis.OutOfRangeError
	if errors.As(err, &oor) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var serr interfuse.StateError
	if errors.As(err, &serr) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

// PosT is the JSON shape of a position vector.
type PosT struct {
	Pos []float64 `json:"pos"`
}

// GetPos returns the last settled position as {"pos": [...]}.
func (h HTTPScan) GetPos(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	err := json.NewEncoder(w).Encode(PosT{Pos: h.Ctl.Position()})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// SetPos parses {"pos": [...]} and moves there, blocking until settled.
func (h HTTPScan) SetPos(w http.ResponseWriter, r *http.Request) {
	p := PosT{}
	err := json.NewDecoder(r.Body).Decode(&p)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = h.Ctl.MoveTo(p.Pos)
	if err != nil {
		httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// AcquireT is the JSON shape of an acquisition request.
type AcquireT struct {
	// ClockHz overrides the server's acquisition clock when nonzero
	ClockHz float64 `json:"clockHz"`
}

// Acquire reads one pixel at the current position and returns the sample.
func (h HTTPScan) Acquire(w http.ResponseWriter, r *http.Request) {
	req := AcquireT{}
	err := json.NewDecoder(r.Body).Decode(&req)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	freq := req.ClockHz
	if freq == 0 {
		freq = h.ClockHz
	}
	smp, err := h.Ctl.Acquire(freq)
	if err != nil {
		httpError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	err = json.NewEncoder(w).Encode(smp)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// ScanT is the JSON shape of a raster scan request.
type ScanT struct {
	Base   []float64 `json:"base"`
	XIndex int       `json:"xIndex"`
	YIndex int       `json:"yIndex"`
	XMin   float64   `json:"xMin"`
	XMax   float64   `json:"xMax"`
	YMin   float64   `json:"yMin"`
	YMax   float64   `json:"yMax"`
	Width  int       `json:"width"`
	Height int       `json:"height"`
}

// Scan rasters a 2D grid and returns the completed frame.  The request
// blocks for the duration of the scan.
func (h HTTPScan) Scan(w http.ResponseWriter, r *http.Request) {
	req := ScanT{}
	err := json.NewDecoder(r.Body).Decode(&req)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	base := req.Base
	if base == nil {
		base = h.Ctl.Position()
	}
	seq := raster.NewSequencer(h.Ctl, h.ClockHz)
	fr, err := seq.ScanFrame(raster.Grid{
		Base:   base,
		XIndex: req.XIndex,
		YIndex: req.YIndex,
		Xs:     raster.Linspace(req.XMin, req.XMax, req.Width),
		Ys:     raster.Linspace(req.YMin, req.YMax, req.Height),
	})
	if err != nil {
		httpError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	err = json.NewEncoder(w).Encode(fr)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// GetScanRange returns the permitted scan window per axis.
func (h HTTPScan) GetScanRange(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	err := json.NewEncoder(w).Encode(h.Ctl.ScanRange())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// GetAxes returns the axis descriptions.
func (h HTTPScan) GetAxes(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	err := json.NewEncoder(w).Encode(h.Ctl.Axes())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// GetState returns the session state as {"str": "Idle"}.
func (h HTTPScan) GetState(w http.ResponseWriter, r *http.Request) {
	hp := generichttp.HumanPayload{T: types.String, String: h.Ctl.State().String()}
	hp.EncodeAndRespond(w, r)
}

// Abort cancels the in-flight move or acquisition.
func (h HTTPScan) Abort(w http.ResponseWriter, r *http.Request) {
	err := h.Ctl.Abort()
	if err != nil {
		httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
