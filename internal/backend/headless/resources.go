package headless

import (
	"fmt"
	"strings"

	cdpfetch "github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"

	"github.com/JakeFAU/fetchgate/internal/fetch"
)

var resourceTypes = map[string]network.ResourceType{
	"image":      network.ResourceTypeImage,
	"stylesheet": network.ResourceTypeStylesheet,
	"font":       network.ResourceTypeFont,
	"media":      network.ResourceTypeMedia,
	"script":     network.ResourceTypeScript,
	"texttrack":  network.ResourceTypeTextTrack,
	"manifest":   network.ResourceTypeManifest,
	"ping":       network.ResourceTypePing,
	"other":      network.ResourceTypeOther,
}

// ParseResourceTypes maps configured names (case-insensitive) to Chrome
// resource types. Documents cannot be blocked.
func ParseResourceTypes(names []string) ([]network.ResourceType, error) {
	out := make([]network.ResourceType, 0, len(names))
	seen := make(map[network.ResourceType]bool, len(names))
	for _, name := range names {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" {
			continue
		}
		rt, ok := resourceTypes[key]
		if !ok {
			return nil, fetch.NewConfigError("browser.block_resources", "unknown resource type %q", name)
		}
		if seen[rt] {
			continue
		}
		seen[rt] = true
		out = append(out, rt)
	}
	return out, nil
}

func blockPatterns(types []network.ResourceType) []*cdpfetch.RequestPattern {
	patterns := make([]*cdpfetch.RequestPattern, 0, len(types))
	for _, rt := range types {
		patterns = append(patterns, &cdpfetch.RequestPattern{
			URLPattern:   "*",
			ResourceType: rt,
			RequestStage: cdpfetch.RequestStageRequest,
		})
	}
	return patterns
}

// describe renders a resource type list for logs.
func describe(types []network.ResourceType) string {
	parts := make([]string, len(types))
	for i, rt := range types {
		parts[i] = rt.String()
	}
	return fmt.Sprintf("[%s]", strings.Join(parts, ","))
}
