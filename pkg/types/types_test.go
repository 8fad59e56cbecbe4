package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseCapacity(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int64
		wantErr bool
	}{
		{name: "gibibytes", input: "10Gi", want: 10 * Gibibyte},
		{name: "mebibytes", input: "512Mi", want: 512 * Mebibyte},
		{name: "kibibytes", input: "4Ki", want: 4 * Kibibyte},
		{name: "tebibytes", input: "2Ti", want: 2 * Tebibyte},
		{name: "bare bytes", input: "1048576", want: 1048576},
		{name: "empty", input: "", wantErr: true},
		{name: "zero", input: "0Gi", wantErr: true},
		{name: "garbage", input: "10GB", wantErr: true},
		{name: "negative-ish", input: "-5Gi", wantErr: true},
		{name: "suffix only", input: "Gi", wantErr: true},
		{name: "unit overflow", input: "9999999999Ti", wantErr: true},
		{name: "digit overflow", input: "99999999999999999999", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCapacity(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatCapacity(t *testing.T) {
	assert.Equal(t, "10Gi", FormatCapacity(10*Gibibyte))
	assert.Equal(t, "512Mi", FormatCapacity(512*Mebibyte))
	assert.Equal(t, "1Ti", FormatCapacity(Tebibyte))
	assert.Equal(t, "1000", FormatCapacity(1000))
}

func TestAttachmentID(t *testing.T) {
	id := AttachmentID("vol-1", "node-a")
	assert.Equal(t, "vol-1@node-a", id)
}

func TestAttachmentDetached(t *testing.T) {
	var missing *Attachment
	assert.True(t, missing.Detached())

	att := &Attachment{ActualState: AttachmentDetached}
	assert.True(t, att.Detached())

	att.ActualState = AttachmentAttaching
	assert.False(t, att.Detached())
}
