// Package scanrec saves completed scan frames to FITS files on disk, with
// incrementing filenames in yyyy-mm-dd subfolders.
package scanrec

import (
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/astrogo/fitsio"

	"github.com/diamond2nv/qudi/raster"
)

// WriteFrame streams a frame to w as a 64-bit float FITS image.  The count
// rate map is the primary HDU; scan geometry goes in the header.
func WriteFrame(w io.Writer, fr *raster.Frame, extraCards ...fitsio.Card) error {
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	im := fitsio.NewImage(-64, []int{fr.Width, fr.Height})
	defer im.Close()
	cards := []fitsio.Card{
		{Name: "BUNIT", Value: "count/s", Comment: "pixel units"},
	}
	if fr.Width > 0 {
		cards = append(cards,
			fitsio.Card{Name: "XMIN", Value: fr.Xs[0], Comment: "first column coordinate, m"},
			fitsio.Card{Name: "XMAX", Value: fr.Xs[fr.Width-1], Comment: "last column coordinate, m"})
	}
	if fr.Height > 0 {
		cards = append(cards,
			fitsio.Card{Name: "YMIN", Value: fr.Ys[0], Comment: "first row coordinate, m"},
			fitsio.Card{Name: "YMAX", Value: fr.Ys[fr.Height-1], Comment: "last row coordinate, m"})
	}
	cards = append(cards, extraCards...)
	err = im.Header().Append(cards...)
	if err != nil {
		return err
	}
	err = im.Write(fr.Data)
	if err != nil {
		return err
	}
	return fits.Write(im)
}

// Recorder records scan frames with incrementing filenames in yyyy-mm-dd
// subfolders.  It is not thread safe.
type Recorder struct {
	// Root is the root path frames are saved under
	Root string

	// Prefix is the filename prefix
	Prefix string

	counter  int
	timeFldr string
}

// updateFolder checks the current time and updates the dated subfolder
func (r *Recorder) updateFolder() {
	now := time.Now()
	r.timeFldr = fmt.Sprintf("%04d-%02d-%02d", now.Year(), now.Month(), now.Day())
}

// Save writes a frame to the next file in the sequence and returns the path
// it was written to.
func (r *Recorder) Save(fr *raster.Frame, extraCards ...fitsio.Card) (string, error) {
	r.updateFolder()
	fldr := path.Join(r.Root, r.timeFldr)
	if err := os.MkdirAll(fldr, 0777); err != nil {
		return "", err
	}
	fn := path.Join(fldr, fmt.Sprintf("%s%06d.fits", r.Prefix, r.counter))
	f, err := os.Create(fn)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := WriteFrame(f, fr, extraCards...); err != nil {
		return "", err
	}
	r.counter++
	return fn, nil
}
