package prognos

import (
	"fmt"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/prometheus/prompb"
)

// DecodePromWrite parses a Prometheus remote-write request body (snappy
// compressed protobuf) into metric samples. The asset is taken from the
// asset_id label, falling back to the instance label; series carrying
// neither are skipped and counted in the second return value.
func DecodePromWrite(body []byte) ([]MetricSample, int, error) {
	decoded, err := snappy.Decode(nil, body)
	if err != nil {
		return nil, 0, fmt.Errorf("snappy decode: %w", err)
	}

	var req prompb.WriteRequest
	if err := req.Unmarshal(decoded); err != nil {
		return nil, 0, fmt.Errorf("unmarshal write request: %w", err)
	}

	var samples []MetricSample
	skipped := 0
	for i := range req.Timeseries {
		ts := &req.Timeseries[i]

		metric := ""
		asset := ""
		for _, label := range ts.Labels {
			switch label.Name {
			case "__name__":
				metric = label.Value
			case "asset_id":
				asset = label.Value
			case "instance":
				if asset == "" {
					asset = label.Value
				}
			}
		}
		if metric == "" || asset == "" {
			skipped++
			continue
		}

		for _, s := range ts.Samples {
			samples = append(samples, MetricSample{
				AssetID: asset,
				// Remote write carries milliseconds.
				Timestamp: s.Timestamp * int64(time.Millisecond),
				Metric:    metric,
				Value:     s.Value,
			})
		}
	}

	return samples, skipped, nil
}
