package scraper

import (
	"log/slog"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"ielts-monitor/pkg/ielts"
)

// slotSelector matches one exam sitting on a timetable page.
const slotSelector = "a.exam__item.ielts"

// capacityFull is the button label the site shows for a filled sitting.
const capacityFull = "تکمیل ظرفیت"

// lookup returns the trimmed text for one field, or "" if this markup shape has none.
type lookup func(*goquery.Selection) string

// field is an ordered list of lookups tried until one yields text.
type field struct {
	lookups  []lookup
	fallback string
}

func (f field) extract(item *goquery.Selection) string {
	for _, l := range f.lookups {
		if v := l(item); v != "" {
			return v
		}
	}
	return f.fallback
}

// first returns the trimmed text of the first element matching selector.
func first(selector string) lookup {
	return func(item *goquery.Selection) string {
		return strings.TrimSpace(item.Find(selector).First().Text())
	}
}

// The first shape is the compact fixture markup, the second is the live site.
var (
	dateField = field{
		lookups: []lookup{
			first("time span"),
			func(item *goquery.Selection) string {
				spans := item.Find("time date span")
				if spans.Length() < 2 {
					return ""
				}
				dayMonth := strings.TrimSpace(spans.Eq(0).Text())
				year := strings.TrimSpace(spans.Eq(1).Text())
				return strings.TrimSpace(dayMonth + " " + year)
			},
		},
		fallback: ielts.UnknownDate,
	}
	alternateDateField = field{
		lookups:  []lookup{first(".farsi_date")},
		fallback: ielts.UnknownDate,
	}
	timeField = field{
		lookups:  []lookup{first(".exam__time"), first("div[both] em")},
		fallback: ielts.UnknownTime,
	}
	locationField = field{
		lookups:  []lookup{first(".exam__title h5"), first("h5")},
		fallback: ielts.UnknownLocation,
	}
	variantField = field{
		lookups:  []lookup{first(".exam__type"), first(".exam_type")},
		fallback: ielts.UnknownType,
	}
	priceField = field{
		lookups:  []lookup{first(".exam__price"), first("h6")},
		fallback: ielts.UnknownPrice,
	}
)

// Extract parses a timetable page and returns its slots in document order.
// Missing fields degrade to the "Unknown ..." sentinels; it never fails.
func Extract(logger *slog.Logger, html, source string) []ielts.Slot {
	if strings.TrimSpace(html) == "" {
		logger.Warn("Empty HTML content received", "url", source)
		return nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		logger.Error("Failed to parse HTML", "url", source, "error", err)
		return nil
	}

	items := doc.Find(slotSelector)
	logger.Info("Exam items found", "url", source, "count", items.Length())

	slots := make([]ielts.Slot, 0, items.Length())
	items.Each(func(_ int, item *goquery.Selection) {
		slot := ielts.Slot{
			Date:          dateField.extract(item),
			AlternateDate: alternateDateField.extract(item),
			TimeOfDay:     timeField.extract(item),
			Location:      locationField.extract(item),
			ExamVariant:   variantField.extract(item),
			Price:         priceField.extract(item),
			Source:        source,
			Available:     available(item),
		}

		logger.Info("Slot found",
			"date", slot.Date,
			"time", slot.DisplayTime(),
			"location", slot.DisplayLocation(),
			"available", slot.Available)
		if slot.Available {
			logger.Info("Found available slot",
				"date", slot.Date,
				"time", slot.DisplayTime(),
				"location", slot.DisplayLocation(),
				"exam_type", slot.ExamVariant,
				"price", slot.Price)
		}

		slots = append(slots, slot)
	})

	return slots
}

// available applies the class checks before the button checks; first match wins.
func available(item *goquery.Selection) bool {
	if item.HasClass("available") && !item.HasClass("disabled") {
		return true
	}
	if item.HasClass("filled") || item.HasClass("disabled") {
		return false
	}

	btn := item.Find(".btn").First()
	if btn.Length() > 0 {
		if btn.HasClass("disable") || strings.Contains(btn.Text(), capacityFull) {
			return false
		}
	}

	return true
}
