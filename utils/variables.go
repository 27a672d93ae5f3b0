package utils

import (
	"html"
	"regexp"
	"strings"

	"crmflow/models"
)

// VariableContext is the per-enrollment snapshot used to resolve template
// placeholders. It is rebuilt on every processing tick, never persisted.
type VariableContext struct {
	Person       *models.Person
	Organization *models.Organization
	Sender       *models.User
}

var placeholderPattern = regexp.MustCompile(`\{\{(\w+)\}\}`)

// SubstituteVariables replaces every {{name}} occurrence with the resolved
// value from the context. Unknown names and names that resolve to an empty
// value are left untouched so operators can see what failed to resolve.
func SubstituteVariables(template string, ctx VariableContext) string {
	if template == "" {
		return template
	}
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		if value := ctx.resolve(name); value != "" {
			return value
		}
		return match
	})
}

func (ctx VariableContext) resolve(name string) string {
	switch name {
	case "first_name":
		if ctx.Person != nil {
			return ctx.Person.FirstName
		}
	case "last_name":
		if ctx.Person != nil {
			return ctx.Person.LastName
		}
	case "full_name":
		if ctx.Person != nil {
			return ctx.Person.FullName()
		}
	case "email":
		if ctx.Person != nil {
			return ctx.Person.Email
		}
	case "job_title":
		if ctx.Person != nil {
			return ctx.Person.JobTitle
		}
	case "phone":
		if ctx.Person != nil {
			if ctx.Person.Phone != "" {
				return ctx.Person.Phone
			}
			return ctx.Person.Mobile
		}
	case "linkedin":
		if ctx.Person != nil {
			return ctx.Person.LinkedIn
		}
	case "company_name":
		if ctx.Organization != nil {
			return ctx.Organization.Name
		}
	case "company_domain":
		if ctx.Organization != nil {
			return ctx.Organization.Domain
		}
	case "company_industry":
		if ctx.Organization != nil {
			return ctx.Organization.Industry
		}
	case "company_website":
		if ctx.Organization != nil {
			return ctx.Organization.Website
		}
	case "sender_name":
		if ctx.Sender != nil {
			return ctx.Sender.Name
		}
	case "sender_email":
		if ctx.Sender != nil {
			return ctx.Sender.Email
		}
	}
	return ""
}

var (
	lineBreakPattern = regexp.MustCompile(`(?i)<br\s*/?>|</p>|</div>`)
	htmlTagPattern   = regexp.MustCompile(`<[^>]*>`)
	blankRunPattern  = regexp.MustCompile(`\n{3,}`)
)

// StripHTMLTags converts a substituted HTML body into a plain-text fallback
// for messages that carry no explicit text part.
func StripHTMLTags(htmlBody string) string {
	text := lineBreakPattern.ReplaceAllString(htmlBody, "\n")
	text = htmlTagPattern.ReplaceAllString(text, "")
	text = html.UnescapeString(text)
	text = blankRunPattern.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
