package interview

import (
	"strings"

	"specforge/internal/domain"
)

type phaseInfo struct {
	title       string
	question    string
	context     string
	suggestions []string
}

var phases = map[domain.Phase]phaseInfo{
	domain.PhaseVision: {
		title:    "Vision",
		question: "What should the website achieve for the business?",
		context:  "One or two sentences on the goal: more bookings, more calls, a stronger local presence.",
		suggestions: []string{
			"Turn visitors into booked appointments",
			"Show up in local search results",
			"Look more established than competitors",
		},
	},
	domain.PhaseFeatures: {
		title:    "Features",
		question: "Which pages and features must the site have?",
		context:  "List what visitors need to do. Pick from the suggestions or write your own.",
		suggestions: []string{
			"Online booking",
			"Service and price list",
			"Photo gallery",
			"Customer reviews",
			"Contact form",
		},
	},
	domain.PhaseUsers: {
		title:    "Target users",
		question: "Who visits the site and what do they need?",
		context:  "Describe the typical customer and anyone on staff who will log in.",
		suggestions: []string{
			"Local residents looking for a quick quote",
			"Returning customers rebooking a service",
			"Staff updating availability",
		},
	},
	domain.PhaseData: {
		title:    "Data",
		question: "What information does the site collect or display?",
		context:  "Think about bookings, enquiries, service catalogs and anything customers upload.",
		suggestions: []string{
			"Appointment requests",
			"Customer contact details",
			"Service catalog with prices",
		},
	},
	domain.PhaseAuth: {
		title:    "Accounts and access",
		question: "Do customers or staff need accounts?",
		context:  "Say who signs in, how, and what each of them may change.",
		suggestions: []string{
			"No customer accounts",
			"Staff login for the admin area",
			"Customers sign in with email links",
		},
	},
	domain.PhaseIntegrations: {
		title:    "Integrations",
		question: "Which outside services should the site connect to?",
		context:  "Calendars, payments, maps, email or SMS providers already in use.",
		suggestions: []string{
			"Google Calendar",
			"Stripe payments",
			"Google Maps",
			"SMS reminders",
		},
	},
	domain.PhaseDesign: {
		title:    "Design",
		question: "How should the site look and feel?",
		context:  "Colors, tone, existing logo or brand guidelines, sites you like.",
		suggestions: []string{
			"Use the existing logo and colors",
			"Friendly and playful",
			"Clean and professional",
		},
	},
}

// industrySuggestions adds trade-specific suggestions, keyed by a word that
// appears in the project's industry.
var industrySuggestions = map[string]map[domain.Phase][]string{
	"groom": {
		domain.PhaseFeatures:     {"Breed-specific service menu", "Before and after gallery"},
		domain.PhaseData:         {"Pet profiles with breed and temperament"},
		domain.PhaseIntegrations: {"Vaccination record upload"},
	},
	"salon": {
		domain.PhaseFeatures: {"Stylist profiles", "Gift vouchers"},
		domain.PhaseData:     {"Stylist schedules"},
	},
	"plumb": {
		domain.PhaseFeatures:     {"Emergency call-out button", "Service area map"},
		domain.PhaseIntegrations: {"Click-to-call tracking"},
	},
	"restaurant": {
		domain.PhaseFeatures:     {"Menu with dietary labels", "Table reservations"},
		domain.PhaseIntegrations: {"Online ordering"},
	},
	"fitness": {
		domain.PhaseFeatures: {"Class timetable", "Membership plans"},
		domain.PhaseAuth:     {"Members sign in to book classes"},
	},
}

// PhaseTitle is the section heading used for p in generated documents.
func PhaseTitle(p domain.Phase) string {
	if info, ok := phases[p]; ok {
		return info.title
	}
	return string(p)
}

func suggestionsFor(p domain.Phase, industry string) []string {
	out := append([]string(nil), phases[p].suggestions...)
	industry = strings.ToLower(industry)
	if industry == "" {
		return out
	}
	for key, extra := range industrySuggestions {
		if strings.Contains(industry, key) {
			out = append(append([]string(nil), extra[p]...), out...)
		}
	}
	return out
}
