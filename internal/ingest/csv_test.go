package ingest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadItems(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		opts    Options
		want    []string
		wantErr error
	}{
		{
			name:  "plain payloads",
			input: "write about go\nwrite about rust\nwrite about zig\n",
			want:  []string{"write about go", "write about rust", "write about zig"},
		},
		{
			name:  "header row skipped",
			input: "topic\nclimate change\nrenewable energy\n",
			want:  []string{"climate change", "renewable energy"},
		},
		{
			name:  "header match is case insensitive",
			input: "Prompt\nfirst\nsecond\n",
			want:  []string{"first", "second"},
		},
		{
			name:  "first row kept when not a header",
			input: "espresso machines\nfrench press\n",
			want:  []string{"espresso machines", "french press"},
		},
		{
			name:  "only first column used",
			input: "topic,notes\nalpha,ignored\nbeta,also ignored\n",
			want:  []string{"alpha", "beta"},
		},
		{
			name:  "blank rows and whitespace dropped",
			input: "first\n\n   \nsecond\n",
			want:  []string{"first", "second"},
		},
		{
			name:  "header after leading blank rows",
			input: "   \n,\ntopic\nclimate change\n",
			want:  []string{"climate change"},
		},
		{
			name:  "no trailing newline",
			input: "first\nsecond",
			want:  []string{"first", "second"},
		},
		{
			name:    "empty input",
			input:   "",
			wantErr: ErrEmptyFile,
		},
		{
			name:    "header with no data rows",
			input:   "topic\n",
			wantErr: ErrEmptyFile,
		},
		{
			name:    "only blank rows",
			input:   "\n   \n\n",
			wantErr: ErrEmptyFile,
		},
		{
			name:    "item limit exceeded",
			input:   "one\ntwo\nthree\nfour\n",
			opts:    Options{MaxItems: 3},
			wantErr: ErrTooManyItems,
		},
		{
			name:  "item limit boundary",
			input: "one\ntwo\nthree\n",
			opts:  Options{MaxItems: 3},
			want:  []string{"one", "two", "three"},
		},
		{
			name:    "binary content rejected",
			input:   "\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR",
			wantErr: ErrUnsupportedType,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ReadItems(strings.NewReader(tt.input), tt.opts)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadItems_QuotedFields(t *testing.T) {
	input := "topic\n\"a payload, with a comma\"\n\"multi\nline payload\"\n"
	got, err := ReadItems(strings.NewReader(input), Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a payload, with a comma", "multi\nline payload"}, got)
}
