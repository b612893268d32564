package builder

import (
	"fmt"
	"strconv"
	"time"

	"github.com/vyvo/imagebuild/pkg/imagebuilder"
)

const buildAtLayout = "2006-01-02T15:04:05.000000Z"

// Result turns the toolchain summary into the job result: the profile's
// entry is lifted to the top level next to the manifest and build facts,
// and the profiles map is dropped.
func Result(summary map[string]any, profile string, manifest imagebuilder.Manifest, binDir string, buildCmd []string) (map[string]any, error) {
	profiles, _ := summary["profiles"].(map[string]any)
	entry, ok := profiles[profile].(map[string]any)
	if !ok {
		return nil, ErrProfileNotInSummary
	}

	out := make(map[string]any, len(summary)+len(entry)+6)
	for k, v := range summary {
		out[k] = v
	}
	out["manifest"] = manifest
	for k, v := range entry {
		out[k] = v
	}
	out["id"] = profile
	out["bin_dir"] = binDir
	out["build_cmd_packages"] = buildCmd
	delete(out, "profiles")

	epoch, err := sourceDateEpoch(summary["source_date_epoch"])
	if err != nil {
		return nil, err
	}
	out["build_at"] = time.Unix(epoch, 0).UTC().Format(buildAtLayout)
	out["detail"] = "done"
	return out, nil
}

func sourceDateEpoch(v any) (int64, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return int64(t), nil
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("source_date_epoch %q: %w", t, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("source_date_epoch has type %T", v)
	}
}
