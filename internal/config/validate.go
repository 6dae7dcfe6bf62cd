package config

import (
	"fmt"
	"strings"
)

type Validation struct {
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

func (v *Validation) addErr(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}
func (v *Validation) addWarn(format string, args ...any) {
	v.Warnings = append(v.Warnings, fmt.Sprintf(format, args...))
}
func (v Validation) OK() bool { return len(v.Errors) == 0 }

// NormalizeAndValidate trims and dedupes list settings, fills defaults, and
// returns the normalized copy with everything worth telling the operator.
func NormalizeAndValidate(cfg Config) (Config, Validation) {
	out := cfg
	var res Validation

	trimList := func(xs []string) []string {
		seen := map[string]bool{}
		var ys []string
		for _, x := range xs {
			x = strings.TrimSpace(x)
			if x == "" {
				continue
			}
			key := strings.ToLower(x)
			if seen[key] {
				continue
			}
			seen[key] = true
			ys = append(ys, x)
		}
		return ys
	}

	out.Kinds.Rental.SubjectAny = trimList(out.Kinds.Rental.SubjectAny)
	out.Kinds.Sale.SubjectAny = trimList(out.Kinds.Sale.SubjectAny)

	// ---- Defaults ----

	if out.App.DataDir == "" {
		out.App.DataDir = "."
	}
	if out.App.OutputDir == "" {
		out.App.OutputDir = "output"
	}
	if out.Email.Mailbox == "" {
		out.Email.Mailbox = "INBOX"
	}
	if out.Email.DaysBack <= 0 {
		out.Email.DaysBack = 14
	}
	if out.Email.MaxMessages <= 0 {
		out.Email.MaxMessages = 50
	}
	if out.MaxTransitMinutes <= 0 {
		out.MaxTransitMinutes = 60
	}
	if out.APILimits.Geocoding <= 0 {
		out.APILimits.Geocoding = 100
	}
	if out.APILimits.Distance <= 0 {
		out.APILimits.Distance = 500
	}
	if out.APILimits.Places <= 0 {
		out.APILimits.Places = 200
	}
	if out.APILimits.WarnPercent <= 0 || out.APILimits.WarnPercent > 100 {
		out.APILimits.WarnPercent = 80
	}

	// ---- Validation rules ----

	if !out.Kinds.Rental.Enabled && !out.Kinds.Sale.Enabled {
		res.addErr("no property kind enabled: enable kinds.rental or kinds.sale")
	}

	if out.Work.Lat == 0 && out.Work.Lng == 0 {
		res.addErr("work.lat / work.lng are required (commute anchor)")
	}

	if out.Email.DaysBack > 90 {
		res.addWarn("email.days_back is very large (%d); expect a slow first fetch.", out.Email.DaysBack)
	}

	if strings.TrimSpace(out.Email.Username) == "" {
		res.addWarn("email.username is empty; running on master lists only.")
	} else if strings.TrimSpace(out.Email.IMAPHost) == "" {
		res.addErr("email.imap_host is required when email.username is set")
	}
	for _, k := range []struct {
		name string
		kc   KindConfig
	}{{"rental", out.Kinds.Rental}, {"sale", out.Kinds.Sale}} {
		if k.kc.Enabled && len(k.kc.SubjectAny) == 0 {
			res.addWarn("kinds.%s.subject_any is empty; that partition will match no emails.", k.name)
		}
	}

	if out.Notify.Enabled {
		if strings.TrimSpace(out.Notify.SMTPHost) == "" {
			res.addErr("notify.smtp_host is required when notify.enabled=true")
		}
		if strings.TrimSpace(out.Notify.To) == "" {
			res.addErr("notify.to is required when notify.enabled=true")
		}
	}

	// report filter sanity
	var checkConds func(path string, conds []Condition)
	checkConds = func(path string, conds []Condition) {
		for i, c := range conds {
			if len(c.Or) > 0 {
				if c.Column != "" || c.Op != "" {
					res.addWarn("%s[%d] mixes a condition with an 'or' group; the condition part is ignored.", path, i)
				}
				checkConds(fmt.Sprintf("%s[%d].or", path, i), c.Or)
				continue
			}
			if c.Column == "" {
				res.addErr("%s[%d].column is required", path, i)
			}
			if c.Op == "" {
				res.addErr("%s[%d].op is required", path, i)
			}
		}
	}
	checkConds("report.filters", out.Report.Filters)

	return out, res
}
