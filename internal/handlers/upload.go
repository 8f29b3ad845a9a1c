package handlers

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	maxImageBytes      = 10 << 20
	maxFormOverhead    = 1 << 20
	maxMultipartMemory = 32 << 20
	formFieldImage     = "image"
)

var (
	errUploadTooLarge = errors.New("uploaded file too large")
	errMissingImage   = errors.New("image file is required")
)

// parseImageForm parses a multipart request and returns the bytes of the
// single image field. Other form values stay available via r.FormValue.
func parseImageForm(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxImageBytes+maxFormOverhead)
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, errUploadTooLarge
		}
		return nil, errors.New("invalid multipart form")
	}

	files := r.MultipartForm.File[formFieldImage]
	if len(files) == 0 {
		return nil, errMissingImage
	}
	if len(files) > 1 {
		return nil, errors.New("only one image is allowed")
	}

	file, err := files[0].Open()
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	defer file.Close()

	data, err := readFileLimited(file, maxImageBytes)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errMissingImage
	}
	return data, nil
}

func writeUploadError(w http.ResponseWriter, err error) {
	if errors.Is(err, errUploadTooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}
