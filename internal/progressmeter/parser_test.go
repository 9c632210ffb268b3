// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package progressmeter

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_HeaderThenPercentage(t *testing.T) {
	input := "Starting send with size estimate: 1073741824 bytes\r" +
		"512MiB 0:00:05 [ 100MiB/s] [ 50%] ETA 0:00:05\r" +
		"1GiB 0:00:10 [ 100MiB/s] [100%] ETA 0:00:00\n"

	p := New()
	var records []Record
	var logs []string
	err := p.Parse(strings.NewReader(input), func(e Event) {
		if e.Record != nil {
			records = append(records, *e.Record)
		} else {
			logs = append(logs, e.LogLine)
		}
	})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Len(t, records, 2)
	assert.EqualValues(t, 512*1024*1024, records[0].BytesTransferred)
	assert.Equal(t, 50.0, records[0].Percentage)
	assert.EqualValues(t, 1024*1024*1024, records[1].BytesTransferred)
	assert.Equal(t, int64(1073741824), p.KnownTotal())
}

func TestParse_DeduplicatesIdenticalRecords(t *testing.T) {
	input := "1MiB 0:00:01 [ 1MiB/s]\r1MiB 0:00:01 [ 1MiB/s]\r2MiB 0:00:02 [ 1MiB/s]\n"
	p := New()
	var records []Record
	err := p.Parse(strings.NewReader(input), func(e Event) {
		if e.Record != nil {
			records = append(records, *e.Record)
		}
	})
	require.NoError(t, err)
	require.Len(t, records, 2)
}

func TestParse_UnknownUnitIsLogLine(t *testing.T) {
	p := New()
	var logs []string
	var records []Record
	p.HandleLine("5 FLOOP 0:00:01", func(e Event) {
		if e.Record != nil {
			records = append(records, *e.Record)
		} else {
			logs = append(logs, e.LogLine)
		}
	})
	assert.Empty(t, records)
	assert.Len(t, logs, 1)
}

func TestParse_NoPercentageWhenTotalUnknown(t *testing.T) {
	p := New()
	var rec Record
	p.HandleLine("10MiB 0:00:01 [ 10MiB/s]", func(e Event) {
		if e.Record != nil {
			rec = *e.Record
		}
	})
	assert.Equal(t, -1.0, rec.Percentage)
}

func TestParse_DecimalCommaEquivalentToDot(t *testing.T) {
	p := New()
	var rec Record
	p.HandleLine("1,5MiB 0:00:01", func(e Event) {
		if e.Record != nil {
			rec = *e.Record
		}
	})
	assert.EqualValues(t, int64(1.5*1024*1024), rec.BytesTransferred)
}
