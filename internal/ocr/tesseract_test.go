package ocr

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	calls  [][]string
	stdout map[string]string // keyed by pass: "text" or "tsv"
	err    error
	tsvErr error
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, []byte, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	last := args[len(args)-1]
	if last == "tsv" {
		if f.tsvErr != nil {
			return nil, nil, f.tsvErr
		}
		return []byte(f.stdout["tsv"]), nil, nil
	}
	if f.err != nil {
		return nil, []byte("boom"), f.err
	}
	return []byte(f.stdout["text"]), nil, nil
}

const sampleTSV = `level	page_num	block_num	par_num	line_num	word_num	left	top	width	height	conf	text
5	1	1	1	1	1	10	10	50	20	96	FACTURA
5	1	1	1	1	2	70	10	30	20	88	N°
5	1	1	1	1	3	110	10	40	20	-1
5	1	1	1	1	4	160	10	40	20	80	4155
`

func TestRecognize(t *testing.T) {
	runner := &fakeRunner{stdout: map[string]string{
		"text": "FACTURA N° 4155\n",
		"tsv":  sampleTSV,
	}}
	eng := NewTesseract(TesseractConfig{PSM: 6}, runner, nil)

	res, err := eng.Recognize(context.Background(), "/tmp/page-1.png")
	require.NoError(t, err)
	assert.Equal(t, "FACTURA N° 4155\n", res.Text)
	// mean of 96, 88, 80 (the -1 row is skipped), scaled to 0..1
	assert.InDelta(t, 0.88, res.Confidence, 0.001)

	require.Len(t, runner.calls, 2)
	text := strings.Join(runner.calls[0], " ")
	assert.Contains(t, text, "tesseract /tmp/page-1.png stdout -l spa")
	assert.Contains(t, text, "--psm 6")
}

func TestRecognizeCommandFailure(t *testing.T) {
	runner := &fakeRunner{err: errors.New("exit status 1")}
	eng := NewTesseract(TesseractConfig{}, runner, nil)

	_, err := eng.Recognize(context.Background(), "/tmp/page-1.png")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestRecognizeTSVFailureOnlyDropsConfidence(t *testing.T) {
	runner := &fakeRunner{
		stdout: map[string]string{"text": "texto"},
		tsvErr: errors.New("exit status 1"),
	}
	eng := NewTesseract(TesseractConfig{}, runner, nil)

	res, err := eng.Recognize(context.Background(), "/tmp/page-1.png")
	require.NoError(t, err)
	assert.Equal(t, "texto", res.Text)
	assert.Zero(t, res.Confidence)
}

func TestBaseArgsOptions(t *testing.T) {
	eng := NewTesseract(TesseractConfig{
		Language:    "spa+eng",
		PSM:         6,
		OEM:         1,
		TessdataDir: "/opt/tessdata",
	}, &fakeRunner{stdout: map[string]string{}}, nil)

	args := eng.baseArgs("in.png")
	assert.Equal(t, []string{
		"in.png", "stdout", "-l", "spa+eng",
		"--psm", "6", "--oem", "1",
		"--tessdata-dir", "/opt/tessdata",
	}, args)
}
