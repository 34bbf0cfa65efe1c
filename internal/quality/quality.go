package quality

import (
	"errors"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/knpwrs/hlsarchiver/internal/apperr"
	"github.com/knpwrs/hlsarchiver/internal/config"
	"github.com/knpwrs/hlsarchiver/internal/model"
)

// Mode decides how many variants Select returns.
type Mode string

const (
	// ModeAll returns every filtered variant, best first.
	ModeAll Mode = "ALL"
	// ModeBest returns the single top-ranked variant.
	ModeBest Mode = "BEST"
	// ModePreferredList returns one variant per preferred label, in list order.
	ModePreferredList Mode = "PREFERRED_LIST"
)

// standardHeights maps the resolution ladder to pixel heights.
var standardHeights = map[string]int{
	"144p":  144,
	"240p":  240,
	"360p":  360,
	"480p":  480,
	"720p":  720,
	"1080p": 1080,
	"1440p": 1440,
	"2160p": 2160,
	"4320p": 4320,
}

// Policy is the filtering and ranking configuration.
type Policy struct {
	Mode                Mode
	ExcludeVP9          bool
	MinHeight           int
	MaxHeight           int
	ExcludedResolutions []string
	MinBandwidth        int64
	MaxBandwidth        int64
	PreferredCodecs     []string
	PreferredQualities  []string
	CustomHeights       map[string]int
}

// PolicyFromConfig builds a Policy from the quality section of the config.
func PolicyFromConfig(cfg config.QualityConfig) Policy {
	p := Policy{
		ExcludeVP9:          cfg.ExcludeVP9,
		ExcludedResolutions: cfg.ExcludeResolutions,
		MinBandwidth:        cfg.MinBandwidth,
		MaxBandwidth:        cfg.MaxBandwidth,
		PreferredCodecs:     cfg.PreferredCodecs,
		PreferredQualities:  cfg.PreferredQualities,
		CustomHeights:       cfg.CustomResolutions,
	}
	p.MinHeight = p.Height(cfg.MinResolution)
	p.MaxHeight = p.Height(cfg.MaxResolution)

	switch cfg.Selection {
	case config.SelectionBest:
		p.Mode = ModeBest
	case config.SelectionPreferred:
		p.Mode = ModePreferredList
	default:
		p.Mode = ModeAll
	}
	return p
}

// Height returns the pixel height of a resolution label, consulting custom
// entries first and falling back to the digits of the label.
func (p Policy) Height(label string) int {
	if h, ok := p.CustomHeights[label]; ok {
		return h
	}
	if h, ok := standardHeights[label]; ok {
		return h
	}
	n, err := strconv.Atoi(strings.TrimSuffix(label, "p"))
	if err != nil {
		return 0
	}
	return n
}

// Filter drops variants the policy rejects. Input order is preserved.
func Filter(variants []model.QualityVariant, policy Policy) []model.QualityVariant {
	excluded := make(map[string]bool, len(policy.ExcludedResolutions))
	for _, label := range policy.ExcludedResolutions {
		excluded[label] = true
	}

	filtered := make([]model.QualityVariant, 0, len(variants))
	for _, v := range variants {
		if policy.ExcludeVP9 && v.IsVP9 {
			continue
		}
		height := policy.Height(v.ResolutionLabel)
		if policy.MinHeight > 0 && height < policy.MinHeight {
			continue
		}
		if policy.MaxHeight > 0 && height > policy.MaxHeight {
			continue
		}
		if excluded[v.ResolutionLabel] {
			continue
		}
		if v.BandwidthBps > 0 {
			if v.BandwidthBps < policy.MinBandwidth {
				continue
			}
			if policy.MaxBandwidth > 0 && v.BandwidthBps > policy.MaxBandwidth {
				continue
			}
		}
		if len(policy.PreferredCodecs) > 0 && !codecMatches(v, policy.PreferredCodecs) {
			continue
		}
		filtered = append(filtered, v)
	}
	return filtered
}

func codecMatches(v model.QualityVariant, preferred []string) bool {
	candidates := []string{strings.ToLower(string(v.Codec)), strings.ToLower(v.CodecString)}
	for _, p := range preferred {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		for _, c := range candidates {
			if c != "" && strings.Contains(c, p) {
				return true
			}
		}
	}
	return false
}

// Score computes the weighted quality score of a variant:
// 0.4 resolution + 0.3 codec + 0.2 bandwidth + 0.1 preference.
func Score(v model.QualityVariant, policy Policy) float64 {
	return 0.4*resolutionScore(policy.Height(v.ResolutionLabel)) +
		0.3*codecScore(v.Codec, policy.ExcludeVP9) +
		0.2*bandwidthScore(v.BandwidthBps) +
		0.1*preferenceScore(v.ResolutionLabel, policy.PreferredQualities)
}

func resolutionScore(height int) float64 {
	return math.Min(100, 100*float64(height)/1080)
}

func codecScore(codec model.Codec, excludeVP9 bool) float64 {
	switch codec {
	case model.CodecH264:
		return 100
	case model.CodecAVC1:
		return 95
	case model.CodecHEVC:
		return 85
	case model.CodecVP9, model.CodecVP09:
		if excludeVP9 {
			return 0
		}
		return 70
	}
	return 50
}

func bandwidthScore(bw int64) float64 {
	const (
		low  = 1e6
		high = 5e6
	)
	b := float64(bw)
	switch {
	case bw <= 0:
		return 50
	case b < low:
		return 100 * b / low
	case b <= high:
		return 100
	}
	return math.Max(70, 100-30*(b-high)/high)
}

func preferenceScore(label string, preferred []string) float64 {
	for i, p := range preferred {
		if p == label {
			return 100 - 20*float64(i)
		}
	}
	return 50
}

// Rank returns a copy of variants sorted by descending score. Ties keep
// their input order.
func Rank(variants []model.QualityVariant, policy Policy) []model.QualityVariant {
	ranked := make([]model.QualityVariant, len(variants))
	copy(ranked, variants)

	scores := make(map[int]float64, len(ranked))
	order := make([]int, len(ranked))
	for i := range ranked {
		order[i] = i
		scores[i] = Score(ranked[i], policy)
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})

	out := make([]model.QualityVariant, len(ranked))
	for i, idx := range order {
		out[i] = ranked[idx]
	}
	return out
}

// Select picks variants from an already filtered set according to
// policy.Mode. An empty input is a QualityNotFound error.
func Select(filtered []model.QualityVariant, policy Policy) ([]model.QualityVariant, error) {
	if len(filtered) == 0 {
		return nil, apperr.QualityNotFound("select", errors.New("no variant satisfies the quality policy"))
	}

	ranked := Rank(filtered, policy)

	switch policy.Mode {
	case ModeBest:
		return ranked[:1], nil
	case ModePreferredList:
		var picked []model.QualityVariant
		for _, label := range policy.PreferredQualities {
			for _, v := range ranked {
				if v.ResolutionLabel == label {
					picked = append(picked, v)
					break
				}
			}
		}
		if len(picked) == 0 {
			return ranked[:1], nil
		}
		return picked, nil
	}
	return ranked, nil
}

// Choose runs Filter and then Select.
func Choose(variants []model.QualityVariant, policy Policy) ([]model.QualityVariant, error) {
	return Select(Filter(variants, policy), policy)
}
