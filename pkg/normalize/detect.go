package normalize

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cavitymap/internal/models"
	"cavitymap/pkg/failure"
	"cavitymap/pkg/naming"
)

// Detect classifies the pipeline input.
func Detect(path string) (models.Modality, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", failure.Wrap(failure.CodeMissingInput, err, "input %s", path)
	}
	switch {
	case info.IsDir():
		return models.ModalityDICOMFolder, nil
	case naming.IsNIfTI(path):
		return models.ModalityNIfTI, nil
	case strings.EqualFold(filepath.Ext(path), ".zip"):
		return models.ModalityZipDICOM, nil
	}
	return "", failure.New(failure.CodeUnsupportedInputFormat,
		"%s is not a .nii, .nii.gz, .zip or directory", filepath.Base(path))
}

// dicmOffset is where the "DICM" magic follows the 128-byte preamble.
const dicmOffset = 128

// IsDICOMFile reports whether path looks like a DICOM file: a .dcm or
// .dicom extension in any case, or an extensionless file carrying the
// DICM preamble.
func IsDICOMFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".dcm", ".dicom":
		return true
	case "":
		return hasPreamble(path)
	}
	return false
}

func hasPreamble(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	buf := make([]byte, dicmOffset+4)
	if _, err := io.ReadFull(f, buf); err != nil {
		return false
	}
	return bytes.Equal(buf[dicmOffset:], []byte("DICM"))
}

// ListDICOM returns every DICOM file under dir in lexical order.
func ListDICOM(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), "__MACOSX") {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() && IsDICOMFile(p) {
			files = append(files, p)
		}
		return nil
	})
	return files, err
}
