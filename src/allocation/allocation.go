// Package allocation computes how routing capacity is split between ordinary
// and favor pools, and picks a pool for each new session.
package allocation

import "github.com/pkg/errors"

const DefaultTotalJobs = 100

var ErrInvalidPlan = errors.New("invalid allocation plan")

// Share is the per-pool allocation. Threshold is the value registered with
// the router; the pool admits Desired-Threshold out of every Desired draws.
type Share struct {
	Desired   int
	Matched   int
	Threshold int
	Favor     bool
}

// Width is the number of draws out of Desired routed to the pool.
func (s Share) Width() int {
	return s.Desired - s.Threshold
}

// DistributeFavor spreads favorJobs over pools favor pools round-robin. The
// cursor is advanced before each increment, so the first unit lands on index
// 1 (mod pools), not index 0. Existing deployments depend on that order.
func DistributeFavor(favorJobs, pools int) []int {
	if pools <= 0 {
		return nil
	}
	matched := make([]int, pools)
	j := 0
	for i := 0; i < favorJobs; i++ {
		j++
		if j >= pools {
			j = 0
		}
		matched[j]++
	}
	return matched
}

// Plan returns one Share per pool, ordinary pools first and then favor pools,
// in configured order. Favor pools are only planned when favorJobs > 0.
func Plan(totalJobs, favorJobs, ordinary, favor int) ([]Share, error) {
	if totalJobs <= 0 {
		return nil, errors.Wrapf(ErrInvalidPlan, "totalJobs must be positive, got %d", totalJobs)
	}
	if favorJobs < 0 || favorJobs > totalJobs {
		return nil, errors.Wrapf(ErrInvalidPlan, "favorJobs %d out of range [0,%d]", favorJobs, totalJobs)
	}
	if ordinary < 0 || favor < 0 {
		return nil, errors.Wrap(ErrInvalidPlan, "negative pool count")
	}
	if favorJobs == 0 {
		favor = 0
	}
	if ordinary+favor == 0 {
		return nil, errors.Wrap(ErrInvalidPlan, "no pools")
	}

	shares := make([]Share, 0, ordinary+favor)
	for i := 0; i < ordinary; i++ {
		shares = append(shares, Share{
			Desired:   totalJobs,
			Matched:   favorJobs,
			Threshold: favorJobs,
		})
	}
	for _, m := range DistributeFavor(favorJobs, favor) {
		shares = append(shares, Share{
			Desired:   totalJobs,
			Matched:   m,
			Threshold: totalJobs - m,
			Favor:     true,
		})
	}
	return shares, nil
}

// NormalizeJobs applies the defaults used when the favor source is missing or
// inconsistent: totalJobs falls back to DefaultTotalJobs and favorJobs is
// clamped into [0,totalJobs].
func NormalizeJobs(totalJobs, favorJobs int) (int, int) {
	if totalJobs <= 0 {
		totalJobs = DefaultTotalJobs
	}
	if favorJobs < 0 {
		favorJobs = 0
	}
	if favorJobs > totalJobs {
		favorJobs = totalJobs
	}
	return totalJobs, favorJobs
}
