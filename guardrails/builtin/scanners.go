// Copyright 2025 AgentLens
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package builtin

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"agentlens/platform/guardrails"
)

// contentPattern is one compiled detection pattern with an optional
// validator that can reject a raw regex hit and adjust its confidence.
type contentPattern struct {
	name       string
	re         *regexp.Regexp
	confidence float64
	token      string
	validate   func(match string) bool
}

func (p *contentPattern) findAll(content string, conditionType guardrails.ConditionType) []guardrails.ContentMatch {
	var matches []guardrails.ContentMatch
	for _, loc := range p.re.FindAllStringIndex(content, -1) {
		text := content[loc[0]:loc[1]]
		if p.validate != nil && !p.validate(text) {
			continue
		}
		matches = append(matches, guardrails.ContentMatch{
			ConditionType:  conditionType,
			PatternName:    p.name,
			Start:          loc[0],
			End:            loc[1],
			Confidence:     p.confidence,
			RedactionToken: p.token,
		})
	}
	return matches
}

// PIIScanner detects personally identifiable information with regex patterns
// and lightweight validators (Luhn for card numbers, area checks for SSNs).
type PIIScanner struct {
	patterns []*contentPattern
}

// NewPIIScanner creates a scanner covering SSN, credit card, email, phone,
// and IPv4 patterns.
func NewPIIScanner() *PIIScanner {
	return &PIIScanner{
		patterns: []*contentPattern{
			{
				name:       "ssn",
				re:         regexp.MustCompile(`\b\d{3}[- ]?\d{2}[- ]?\d{4}\b`),
				confidence: 0.9,
				token:      "[SSN]",
				validate:   validateSSN,
			},
			{
				name:       "credit_card",
				re:         regexp.MustCompile(`\b(?:\d[ -]?){13,18}\d\b`),
				confidence: 0.85,
				token:      "[CREDIT_CARD]",
				validate:   validateLuhn,
			},
			{
				name:       "email",
				re:         regexp.MustCompile(`\b[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}\b`),
				confidence: 0.95,
				token:      "[EMAIL]",
			},
			{
				name:       "phone",
				re:         regexp.MustCompile(`(?:\+[0-9]{1,3}[-. ]?)?\(?[0-9]{3}\)?[-. ][0-9]{3}[-. ][0-9]{4}\b`),
				confidence: 0.6,
				token:      "[PHONE]",
			},
			{
				name:       "ip_address",
				re:         regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.){3}(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\b`),
				confidence: 0.7,
				token:      "[IP]",
			},
		},
	}
}

// Async reports that PII scanning is synchronous.
func (s *PIIScanner) Async() bool { return false }

// Scan returns every PII span found in the content.
func (s *PIIScanner) Scan(_ context.Context, content string, _ *guardrails.GuardrailRule, _ guardrails.ContentContext) ([]guardrails.ContentMatch, error) {
	var matches []guardrails.ContentMatch
	for _, p := range s.patterns {
		matches = append(matches, p.findAll(content, guardrails.ConditionPIIDetection)...)
	}
	return matches, nil
}

// SecretsScanner detects credentials: cloud access keys, bearer tokens,
// key-value assignments of api keys and passwords, and PEM private keys.
type SecretsScanner struct {
	patterns []*contentPattern
}

// NewSecretsScanner creates a scanner with the default credential patterns.
func NewSecretsScanner() *SecretsScanner {
	return &SecretsScanner{
		patterns: []*contentPattern{
			{
				name:       "aws_access_key",
				re:         regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`),
				confidence: 0.95,
				token:      "[AWS_KEY]",
			},
			{
				name:       "bearer_token",
				re:         regexp.MustCompile(`\bBearer\s+[A-Za-z0-9\-._~+/]{20,}=*`),
				confidence: 0.8,
				token:      "[TOKEN]",
			},
			{
				name:       "api_key_assignment",
				re:         regexp.MustCompile(`(?i)\b(?:api[_-]?key|secret|password|token)\s*[:=]\s*['"]?[A-Za-z0-9\-._~+/]{8,}['"]?`),
				confidence: 0.75,
				token:      "[SECRET]",
			},
			{
				name:       "private_key",
				re:         regexp.MustCompile(`-----BEGIN (?:RSA |EC |OPENSSH )?PRIVATE KEY-----`),
				confidence: 1.0,
				token:      "[PRIVATE_KEY]",
			},
		},
	}
}

// Async reports that secrets scanning is synchronous.
func (s *SecretsScanner) Async() bool { return false }

// Scan returns every credential span found in the content.
func (s *SecretsScanner) Scan(_ context.Context, content string, _ *guardrails.GuardrailRule, _ guardrails.ContentContext) ([]guardrails.ContentMatch, error) {
	var matches []guardrails.ContentMatch
	for _, p := range s.patterns {
		matches = append(matches, p.findAll(content, guardrails.ConditionSecretsDetection)...)
	}
	return matches, nil
}

// RegexScanner matches a tenant-supplied pattern from the rule's condition
// config: {"pattern": "...", "patternName": "...", "redactionToken": "..."}.
// Compiled patterns are cached per pattern string.
type RegexScanner struct {
	cache regexCache
}

// NewRegexScanner creates a scanner with an empty pattern cache.
func NewRegexScanner() *RegexScanner {
	return &RegexScanner{}
}

// Async reports that regex scanning is synchronous.
func (s *RegexScanner) Async() bool { return false }

// Scan compiles (or reuses) the rule's pattern and returns its matches.
func (s *RegexScanner) Scan(_ context.Context, content string, rule *guardrails.GuardrailRule, _ guardrails.ContentContext) ([]guardrails.ContentMatch, error) {
	pattern, _ := rule.ConditionConfig["pattern"].(string)
	if pattern == "" {
		return nil, fmt.Errorf("content_regex rule %s has no pattern", rule.ID)
	}

	re, err := s.cache.get(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern in rule %s: %w", rule.ID, err)
	}

	name, _ := rule.ConditionConfig["patternName"].(string)
	if name == "" {
		name = "custom_regex"
	}
	token, _ := rule.ConditionConfig["redactionToken"].(string)

	var matches []guardrails.ContentMatch
	for _, loc := range re.FindAllStringIndex(content, -1) {
		matches = append(matches, guardrails.ContentMatch{
			ConditionType:  guardrails.ConditionContentRegex,
			PatternName:    name,
			Start:          loc[0],
			End:            loc[1],
			Confidence:     1.0,
			RedactionToken: token,
		})
	}
	return matches, nil
}

// ToxicityScanner flags words from a configurable blocklist. The rule's
// condition config may extend the default list via {"words": [...]}.
type ToxicityScanner struct {
	defaults []string
}

// NewToxicityScanner creates a scanner with the given default wordlist.
func NewToxicityScanner(words []string) *ToxicityScanner {
	return &ToxicityScanner{defaults: words}
}

// Async reports that toxicity scanning is synchronous.
func (s *ToxicityScanner) Async() bool { return false }

// Scan performs case-insensitive whole-word lookups for each listed word.
func (s *ToxicityScanner) Scan(_ context.Context, content string, rule *guardrails.GuardrailRule, _ guardrails.ContentContext) ([]guardrails.ContentMatch, error) {
	words := s.defaults
	if extra, ok := rule.ConditionConfig["words"].([]any); ok {
		for _, w := range extra {
			if word, ok := w.(string); ok {
				words = append(words, word)
			}
		}
	}

	lower := strings.ToLower(content)
	var matches []guardrails.ContentMatch
	for _, word := range words {
		target := strings.ToLower(word)
		offset := 0
		for {
			idx := strings.Index(lower[offset:], target)
			if idx < 0 {
				break
			}
			start := offset + idx
			end := start + len(target)
			if isWordBoundary(lower, start, end) {
				matches = append(matches, guardrails.ContentMatch{
					ConditionType:  guardrails.ConditionToxicityDetection,
					PatternName:    "toxicity:" + target,
					Start:          start,
					End:            end,
					Confidence:     0.7,
					RedactionToken: "[REMOVED]",
				})
			}
			offset = end
		}
	}
	return matches, nil
}

// PromptInjectionScanner flags common jailbreak and instruction-override
// phrasings. Heuristic only: high-precision phrases, no model calls.
type PromptInjectionScanner struct {
	patterns []*contentPattern
}

// NewPromptInjectionScanner creates a scanner with the default heuristics.
func NewPromptInjectionScanner() *PromptInjectionScanner {
	return &PromptInjectionScanner{
		patterns: []*contentPattern{
			{
				name:       "ignore_instructions",
				re:         regexp.MustCompile(`(?i)\bignore\s+(?:all\s+)?(?:previous|prior|above)\s+instructions\b`),
				confidence: 0.9,
				token:      "[INJECTION]",
			},
			{
				name:       "role_override",
				re:         regexp.MustCompile(`(?i)\byou\s+are\s+now\s+(?:a|an|in)\b.{0,40}\bmode\b`),
				confidence: 0.6,
				token:      "[INJECTION]",
			},
			{
				name:       "system_prompt_probe",
				re:         regexp.MustCompile(`(?i)\b(?:reveal|print|show|repeat)\b.{0,30}\bsystem\s+prompt\b`),
				confidence: 0.8,
				token:      "[INJECTION]",
			},
			{
				name:       "do_anything_now",
				re:         regexp.MustCompile(`(?i)\bdo\s+anything\s+now\b|\bDAN\s+mode\b`),
				confidence: 0.8,
				token:      "[INJECTION]",
			},
		},
	}
}

// Async reports that injection scanning is synchronous.
func (s *PromptInjectionScanner) Async() bool { return false }

// Scan returns every suspicious phrasing found in the content.
func (s *PromptInjectionScanner) Scan(_ context.Context, content string, _ *guardrails.GuardrailRule, _ guardrails.ContentContext) ([]guardrails.ContentMatch, error) {
	var matches []guardrails.ContentMatch
	for _, p := range s.patterns {
		matches = append(matches, p.findAll(content, guardrails.ConditionPromptInjection)...)
	}
	return matches, nil
}

// RegisterScanners binds the builtin scanners to their condition types.
func RegisterScanners(reg *guardrails.ScannerRegistry) {
	reg.Register(guardrails.ConditionPIIDetection, NewPIIScanner())
	reg.Register(guardrails.ConditionSecretsDetection, NewSecretsScanner())
	reg.Register(guardrails.ConditionContentRegex, NewRegexScanner())
	reg.Register(guardrails.ConditionToxicityDetection, NewToxicityScanner(nil))
	reg.Register(guardrails.ConditionPromptInjection, NewPromptInjectionScanner())
}

// regexCache memoizes compiled tenant patterns. Compile failures are not
// cached; a bad pattern fails its rule on every call (fail-open upstream).
type regexCache struct {
	mu       sync.RWMutex
	compiled map[string]*regexp.Regexp
}

func (c *regexCache) get(pattern string) (*regexp.Regexp, error) {
	c.mu.RLock()
	re, ok := c.compiled[pattern]
	c.mu.RUnlock()
	if ok {
		return re, nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.compiled == nil {
		c.compiled = make(map[string]*regexp.Regexp)
	}
	c.compiled[pattern] = re
	c.mu.Unlock()
	return re, nil
}

// validateSSN rejects the well-known impossible SSN groups.
func validateSSN(match string) bool {
	digits := digitsOnly(match)
	if len(digits) != 9 {
		return false
	}
	area := digits[:3]
	group := digits[3:5]
	serial := digits[5:]

	if area == "000" || area == "666" || area >= "900" {
		return false
	}
	if group == "00" || serial == "0000" {
		return false
	}
	return true
}

// validateLuhn applies the Luhn checksum used by all major card networks.
func validateLuhn(match string) bool {
	digits := digitsOnly(match)
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}

	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteByte(byte(r))
		}
	}
	return b.String()
}

func isWordBoundary(s string, start, end int) bool {
	if start > 0 && isWordChar(s[start-1]) {
		return false
	}
	if end < len(s) && isWordChar(s[end]) {
		return false
	}
	return true
}

func isWordChar(c byte) bool {
	return c == '_' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
