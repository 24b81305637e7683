package prognos

import (
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/prometheus/prompb"
)

func encodeWriteRequest(t *testing.T, req *prompb.WriteRequest) []byte {
	t.Helper()
	data, err := req.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return snappy.Encode(nil, data)
}

func TestDecodePromWrite(t *testing.T) {
	body := encodeWriteRequest(t, &prompb.WriteRequest{
		Timeseries: []prompb.TimeSeries{
			{
				Labels: []prompb.Label{
					{Name: "__name__", Value: "cpu_percent"},
					{Name: "asset_id", Value: "pump-7"},
				},
				Samples: []prompb.Sample{
					{Value: 42.5, Timestamp: 1000},
					{Value: 43.0, Timestamp: 2000},
				},
			},
			{
				// No asset_id, falls back to instance.
				Labels: []prompb.Label{
					{Name: "__name__", Value: "memory_percent"},
					{Name: "instance", Value: "pump-8"},
				},
				Samples: []prompb.Sample{{Value: 67.0, Timestamp: 1000}},
			},
			{
				// Neither asset_id nor instance: skipped.
				Labels: []prompb.Label{
					{Name: "__name__", Value: "orphan_metric"},
				},
				Samples: []prompb.Sample{{Value: 1, Timestamp: 1000}},
			},
		},
	})

	samples, skipped, err := DecodePromWrite(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if skipped != 1 {
		t.Errorf("expected 1 skipped series, got %d", skipped)
	}
	if len(samples) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(samples))
	}

	if samples[0].AssetID != "pump-7" || samples[0].Metric != "cpu_percent" || samples[0].Value != 42.5 {
		t.Errorf("unexpected first sample: %+v", samples[0])
	}
	// Remote write timestamps are milliseconds; samples carry UnixNano.
	if samples[0].Timestamp != int64(time.Second) {
		t.Errorf("timestamp = %d, want %d", samples[0].Timestamp, int64(time.Second))
	}
	if samples[2].AssetID != "pump-8" {
		t.Errorf("instance fallback not applied: %+v", samples[2])
	}
}

func TestDecodePromWriteRejectsGarbage(t *testing.T) {
	if _, _, err := DecodePromWrite([]byte("not snappy")); err == nil {
		t.Fatal("expected snappy decode error")
	}

	// Valid snappy framing around garbage protobuf.
	if _, _, err := DecodePromWrite(snappy.Encode(nil, []byte{0xff, 0xff, 0xff})); err == nil {
		t.Fatal("expected protobuf unmarshal error")
	}
}
