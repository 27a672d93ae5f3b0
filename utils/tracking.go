package utils

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// GenerateTrackingPixelURL generates a tracking pixel URL for email opens
func GenerateTrackingPixelURL(baseURL, trackingID string) string {
	token := generateUniqueToken(trackingID)
	return fmt.Sprintf("%s/track/open/%s/%s", baseURL, url.PathEscape(trackingID), token)
}

// GenerateClickTrackURL generates a tracked URL for links
func GenerateClickTrackURL(baseURL, trackingID, originalURL string) string {
	token := generateUniqueToken(trackingID)
	encodedURL := url.QueryEscape(originalURL)
	return fmt.Sprintf("%s/track/click/%s/%s?url=%s", baseURL, url.PathEscape(trackingID), token, encodedURL)
}

// InjectOpenTracking appends an invisible pixel to the HTML body.
func InjectOpenTracking(htmlContent, baseURL, trackingID string) string {
	pixelURL := GenerateTrackingPixelURL(baseURL, trackingID)
	pixel := fmt.Sprintf(`<img src="%s" alt="" width="1" height="1" style="display:none">`, pixelURL)
	return htmlContent + pixel
}

// InjectClickTracking rewrites every anchor href through the click redirect.
func InjectClickTracking(htmlContent, baseURL, trackingID string) string {
	startTag := "<a href=\""
	endTag := "\""
	offset := 0

	for {
		startIdx := strings.Index(htmlContent[offset:], startTag)
		if startIdx == -1 {
			break
		}
		startIdx += offset + len(startTag)

		endIdx := strings.Index(htmlContent[startIdx:], endTag)
		if endIdx == -1 {
			break
		}
		endIdx += startIdx

		originalURL := htmlContent[startIdx:endIdx]
		trackedURL := GenerateClickTrackURL(baseURL, trackingID, originalURL)

		htmlContent = htmlContent[:startIdx] + trackedURL + htmlContent[endIdx:]
		offset = startIdx + len(trackedURL)
	}

	return htmlContent
}

func generateUniqueToken(trackingID string) string {
	hash := sha256.Sum256([]byte(uuid.New().String() + trackingID))
	return base64.URLEncoding.EncodeToString(hash[:])[:20]
}
