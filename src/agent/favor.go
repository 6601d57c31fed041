package agent

import (
	"os"
	"strconv"
	"strings"

	"github.com/MattF42/htn-stratum-agent/src/allocation"
	"github.com/bytedance/sonic"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// FavorConfig is read from the secondary favor file. A zero value routes
// everything through the ordinary pools.
type FavorConfig struct {
	TotalJobs int
	FavorJobs int
	Pools     []PoolTarget
}

type favorFile struct {
	Total any          `json:"total"`
	Favor any          `json:"favor"`
	Pools []PoolTarget `json:"pools"`
}

func defaultFavorConfig() FavorConfig {
	return FavorConfig{TotalJobs: allocation.DefaultTotalJobs}
}

// LoadFavorConfig never fails: a missing or unparseable file is logged and
// yields the default (no favor pools).
func LoadFavorConfig(path string, logger *zap.SugaredLogger) FavorConfig {
	if path == "" {
		return defaultFavorConfig()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		logger.Infof("favor: no favor config at %s, routing to ordinary pools only: %s", path, err)
		return defaultFavorConfig()
	}
	fc, err := ParseFavorConfig(raw)
	if err != nil {
		logger.Infof("favor: parse json config file failure, routing to ordinary pools only: %s", err)
		return defaultFavorConfig()
	}
	logger.Info("favor: loaded favor config",
		zap.Int("total_jobs", fc.TotalJobs), zap.Int("favor_jobs", fc.FavorJobs), zap.Int("favor_pools", len(fc.Pools)))
	return fc
}

func ParseFavorConfig(raw []byte) (FavorConfig, error) {
	var ff favorFile
	if err := sonic.Unmarshal(raw, &ff); err != nil {
		return defaultFavorConfig(), errors.Wrap(err, "decoding favor file")
	}
	total, okTotal := favorCount(ff.Total)
	favor, okFavor := favorCount(ff.Favor)
	if !okTotal || !okFavor {
		return defaultFavorConfig(), errors.New("favor file needs numeric total and favor")
	}

	fc := FavorConfig{}
	fc.TotalJobs, fc.FavorJobs = allocation.NormalizeJobs(total, favor)
	for i, p := range ff.Pools {
		if err := validateTarget(p); err != nil {
			return defaultFavorConfig(), errors.Wrapf(err, "favor pools[%d]", i)
		}
		fc.Pools = append(fc.Pools, p)
	}
	if len(fc.Pools) == 0 {
		fc.FavorJobs = 0
	}
	return fc, nil
}

func favorCount(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), n == float64(int(n))
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		return i, err == nil
	}
	return 0, false
}
