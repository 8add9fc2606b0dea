// Package email provides the outbound transport capability and the Liquid
// templates for the two messages this service sends: the subscription
// confirmation email and newsletter issues.
package email

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/osteele/liquid"
)

const confirmationSubject = "Please confirm your subscription"

const confirmationHTML = `<p>Hi {{ name | default: "there" }},</p>
<p>Welcome to our newsletter. Click the link below to confirm your subscription:</p>
<p><a href="{{ confirmation_link }}">Confirm subscription</a></p>
<p>If you didn't sign up, you can ignore this email.</p>`

const confirmationText = `Hi {{ name | default: "there" }},

Welcome to our newsletter. Visit the link below to confirm your subscription:

{{ confirmation_link }}

If you didn't sign up, you can ignore this email.`

// TemplateService renders email bodies with Liquid, caching parsed templates
// by a hash of their source. Newsletter issue bodies are themselves treated
// as templates so publishers can use {{ name }} and {{ email }} merge tags.
type TemplateService struct {
	engine *liquid.Engine
	cache  sync.Map // map[string]*liquid.Template
}

// NewTemplateService creates a template service with the default filter set.
func NewTemplateService() *TemplateService {
	ts := &TemplateService{engine: liquid.NewEngine()}

	// {{ first_name | default: "Friend" }}
	ts.engine.RegisterFilter("default", func(value interface{}, defaultVal string) interface{} {
		if value == nil {
			return defaultVal
		}
		strVal := fmt.Sprintf("%v", value)
		if strVal == "" || strVal == "<nil>" {
			return defaultVal
		}
		return value
	})

	return ts
}

// Render parses and renders a template source against the given bindings.
// Parsed templates are cached keyed by a hash of the source.
func (ts *TemplateService) Render(source string, bindings map[string]interface{}) (string, error) {
	sum := sha256.Sum256([]byte(source))
	key := hex.EncodeToString(sum[:])

	if cached, ok := ts.cache.Load(key); ok {
		out, err := cached.(*liquid.Template).RenderString(bindings)
		if err != nil {
			return "", fmt.Errorf("render template: %w", err)
		}
		return out, nil
	}

	tpl, err := ts.engine.ParseString(source)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}
	ts.cache.Store(key, tpl)

	out, err := tpl.RenderString(bindings)
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return out, nil
}

// ConfirmationEmail renders the double-opt-in confirmation message.
func (ts *TemplateService) ConfirmationEmail(name, confirmationLink string) (*Message, error) {
	bindings := map[string]interface{}{
		"name":              name,
		"confirmation_link": confirmationLink,
	}

	html, err := ts.Render(confirmationHTML, bindings)
	if err != nil {
		return nil, err
	}
	text, err := ts.Render(confirmationText, bindings)
	if err != nil {
		return nil, err
	}

	return &Message{Subject: confirmationSubject, HTML: html, Text: text}, nil
}

// NewsletterEmail renders an issue's bodies for one subscriber.
func (ts *TemplateService) NewsletterEmail(title, htmlBody, textBody, name, address string) (*Message, error) {
	bindings := map[string]interface{}{
		"name":  name,
		"email": address,
	}

	html, err := ts.Render(htmlBody, bindings)
	if err != nil {
		return nil, err
	}
	text, err := ts.Render(textBody, bindings)
	if err != nil {
		return nil, err
	}

	return &Message{To: address, Subject: title, HTML: html, Text: text}, nil
}
