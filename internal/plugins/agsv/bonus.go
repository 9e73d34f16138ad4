package agsv

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"signin-bots/internal/components/htmlutil"

	"github.com/PuerkitoBio/goquery"
	"github.com/antzucaro/matchr"
)

// Site is one tracker account the monitor may read from.
type Site struct {
	Name      string `json:"name"`
	Url       string `json:"url"`
	Cookie    string `json:"cookie"`
	UserAgent string `json:"user_agent"`
}

// fuzzyThreshold is the lowest Jaro-Winkler similarity accepted as a match.
const fuzzyThreshold = 0.85

// FindSite looks name up among sites, first as a case-insensitive substring
// of the site name and then by fuzzy similarity.
func FindSite(sites []Site, name string) (Site, bool) {
	want := strings.ToLower(strings.TrimSpace(name))
	if want == "" {
		return Site{}, false
	}
	for _, s := range sites {
		if strings.Contains(strings.ToLower(s.Name), want) {
			return s, true
		}
	}

	best := -1
	bestScore := 0.0
	for i, s := range sites {
		score := matchr.JaroWinkler(strings.ToLower(s.Name), want, false)
		if score >= fuzzyThreshold && score > bestScore {
			best = i
			bestScore = score
		}
	}
	if best < 0 {
		return Site{}, false
	}
	return sites[best], true
}

var (
	ErrNoBonusTable = errors.New("bonus table not found")
	ErrNoOfficial   = errors.New("official seeding row not found")
)

// Official is the official seeding row of the bonus table.
type Official struct {
	RewardType string
	Quantity   int
	VolumeText string
	VolumeTB   float64
}

// ParseBonusPage reads the official seeding row from mybonus.php.
func ParseBonusPage(doc *goquery.Document) (Official, error) {
	table := doc.Find(`table[cellpadding="5"]`).First()
	if table.Length() == 0 {
		return Official{}, ErrNoBonusTable
	}

	var out Official
	found := false
	table.Find("tr").EachWithBreak(func(_ int, row *goquery.Selection) bool {
		cells := row.Find("td")
		if cells.Length() < 7 {
			return true
		}
		rewardType := htmlutil.Text(cells.Eq(0))
		if strings.Contains(rewardType, "奖励类型") || strings.Contains(rewardType, "Arctic") {
			return true
		}
		if !strings.Contains(rewardType, "官种") && !strings.Contains(rewardType, "Official") {
			return true
		}

		quantity, err := strconv.Atoi(strings.ReplaceAll(htmlutil.Text(cells.Eq(1)), ",", ""))
		if err != nil || quantity < 0 {
			return true
		}
		volume := htmlutil.Text(cells.Eq(2))
		out = Official{
			RewardType: rewardType,
			Quantity:   quantity,
			VolumeText: volume,
			VolumeTB:   ParseVolumeTB(volume),
		}
		found = true
		return false
	})
	if !found {
		return Official{}, ErrNoOfficial
	}
	return out, nil
}

var (
	volumeNumberRegex = regexp.MustCompile(`\d+\.?\d*`)
	volumeUnitRegex   = regexp.MustCompile(`([KMGT])I?B`)
)

// ParseVolumeTB converts a size like "5.21 TB" or "800 GiB" to terabytes,
// a missing unit is taken as TB and unparsable text as 0.
func ParseVolumeTB(text string) float64 {
	text = strings.ToUpper(strings.ReplaceAll(text, " ", ""))
	number, err := strconv.ParseFloat(volumeNumberRegex.FindString(text), 64)
	if err != nil {
		return 0
	}
	unit := volumeUnitRegex.FindStringSubmatch(text)
	if unit == nil {
		return number
	}
	switch unit[1] {
	case "G":
		return number / 1024
	case "M":
		return number / (1024 * 1024)
	case "K":
		return number / (1024 * 1024 * 1024)
	default:
		return number
	}
}

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006/01/02",
	"2006/01/02 15:04:05",
	"2006.01.02",
	"2006.01.02 15:04:05",
}

// ParseDate parses the start date in any of the accepted layouts.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		t, err := time.ParseInLocation(layout, s, loc)
		if err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

type Status string

const (
	StatusCanRetire    Status = "can_retire"
	StatusMeets        Status = "meets_requirement"
	StatusInsufficient Status = "insufficient"
)

// Analysis is the seeding state measured against the group's requirements.
type Analysis struct {
	Official

	Site             string
	MeetsRequirement bool
	Deficit          float64

	DaysPassed       int
	DaysToRetirement int
	// Progress is the retirement progress in percent, capped at 100.
	Progress  float64
	CanRetire bool
	Status    Status
}

// Requirements are what the seeding group asks of a member.
type Requirements struct {
	MinSizeTB      float64
	RetirementDays int
	// Start is when seeding began, zero when unknown.
	Start time.Time
}

// Analyze measures official against req at now.
func Analyze(site string, official Official, req Requirements, now time.Time) Analysis {
	a := Analysis{
		Official:         official,
		Site:             site,
		MeetsRequirement: official.VolumeTB >= req.MinSizeTB,
		Deficit:          max(0, req.MinSizeTB-official.VolumeTB),
		DaysToRetirement: req.RetirementDays,
	}

	if !req.Start.IsZero() && req.RetirementDays > 0 {
		days := int(now.Sub(req.Start) / (24 * time.Hour))
		if days < 0 {
			days = 0
		}
		a.DaysPassed = days
		a.DaysToRetirement = max(0, req.RetirementDays-days)
		a.Progress = min(100, float64(days)/float64(req.RetirementDays)*100)
		a.CanRetire = days >= req.RetirementDays
	}

	switch {
	case a.CanRetire && a.MeetsRequirement:
		a.Status = StatusCanRetire
	case a.MeetsRequirement:
		a.Status = StatusMeets
	default:
		a.Status = StatusInsufficient
	}
	return a
}
