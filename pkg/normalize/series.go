package normalize

import (
	"sort"
	"strconv"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Series summarises one DICOM series found in a folder.
type Series struct {
	UID         string
	Number      int
	Description string
	Modality    string
	Files       int
}

// Scan is the result of ScanSeries.
type Scan struct {
	Series []Series

	// Unreadable counts files that looked like DICOM but failed to parse
	Unreadable int
}

// ScanSeries groups the DICOM files under dir by SeriesInstanceUID.
// Pixel data is not read.
func ScanSeries(dir string) (*Scan, error) {
	files, err := ListDICOM(dir)
	if err != nil {
		return nil, err
	}

	scan := &Scan{}
	byUID := make(map[string]*Series)
	for _, path := range files {
		ds, err := dicom.ParseFile(path, nil, dicom.SkipPixelData())
		if err != nil {
			scan.Unreadable++
			continue
		}
		uid := firstString(ds, tag.SeriesInstanceUID)
		s, ok := byUID[uid]
		if !ok {
			s = &Series{
				UID:         uid,
				Description: firstString(ds, tag.SeriesDescription),
				Modality:    firstString(ds, tag.Modality),
			}
			s.Number, _ = strconv.Atoi(firstString(ds, tag.SeriesNumber))
			byUID[uid] = s
		}
		s.Files++
	}

	for _, s := range byUID {
		scan.Series = append(scan.Series, *s)
	}
	sort.Slice(scan.Series, func(i, j int) bool {
		a, b := scan.Series[i], scan.Series[j]
		if a.Number != b.Number {
			return a.Number < b.Number
		}
		return a.UID < b.UID
	})
	return scan, nil
}

func firstString(ds dicom.Dataset, t tag.Tag) string {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return ""
	}
	vals, ok := el.Value.GetValue().([]string)
	if !ok || len(vals) == 0 {
		return ""
	}
	return vals[0]
}
