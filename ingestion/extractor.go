package ingestion

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/charla-io/charla/observability"
)

// TextExtractor turns stored bytes into text.
type TextExtractor interface {
	Extract(ctx context.Context, path, mimeType string) (string, error)
}

// OCRProvider re-renders a PDF with a text layer. It is best-effort: the
// pipeline falls back to the original extraction when OCR fails.
type OCRProvider interface {
	Run(ctx context.Context, inputPath string) (outputPath string, err error)
}

// CommandExtractor reads text formats directly and shells out to an external
// converter for PDFs and office documents.
type CommandExtractor struct {
	pdfCommand string
	timeout    time.Duration
}

func NewCommandExtractor(pdfCommand string, timeout time.Duration) *CommandExtractor {
	if pdfCommand == "" {
		pdfCommand = "pdftotext"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &CommandExtractor{pdfCommand: pdfCommand, timeout: timeout}
}

func (e *CommandExtractor) Extract(ctx context.Context, path, mimeType string) (string, error) {
	base := strings.SplitN(mimeType, ";", 2)[0]
	switch base {
	case "text/plain", "text/csv", "application/json":
		raw, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", filepath.Base(path), err)
		}
		return string(raw), nil
	default:
		return e.extractPDF(ctx, path)
	}
}

func (e *CommandExtractor) extractPDF(ctx context.Context, path string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	// pdftotext con "-" escribe el texto a stdout.
	cmd := exec.CommandContext(ctx, e.pdfCommand, path, "-")
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s: %w (%s)", e.pdfCommand, err, strings.TrimSpace(stderr.String()))
	}
	return out.String(), nil
}

// SubprocessOCR runs an OCR command (default ocrmypdf) in a killable
// subprocess with a hard timeout. The output is a new PDF carrying a text
// layer, left next to the input.
type SubprocessOCR struct {
	command string
	timeout time.Duration
}

func NewSubprocessOCR(command string, timeout time.Duration) *SubprocessOCR {
	if command == "" {
		command = "ocrmypdf"
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &SubprocessOCR{command: command, timeout: timeout}
}

func (o *SubprocessOCR) Run(ctx context.Context, inputPath string) (string, error) {
	observability.OCRRuns.WithLabelValues("attempted").Inc()

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	outputPath := strings.TrimSuffix(inputPath, filepath.Ext(inputPath)) + ".ocr.pdf"
	cmd := exec.CommandContext(ctx, o.command, "--force-ocr", "--output-type", "pdf", inputPath, outputPath)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		observability.OCRRuns.WithLabelValues("fail").Inc()
		logrus.WithError(err).WithField("stderr", strings.TrimSpace(stderr.String())).
			Warn("[Ingestion] OCR subprocess failed")
		return "", fmt.Errorf("%s: %w", o.command, err)
	}

	observability.OCRRuns.WithLabelValues("success").Inc()
	return outputPath, nil
}
