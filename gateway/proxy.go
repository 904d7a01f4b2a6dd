package main

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/plexara/control-plane/shared/middleware"
	"github.com/plexara/control-plane/shared/utils"
)

// ServiceClient proxies requests to one backing service.
type ServiceClient struct {
	baseURL    string
	httpClient *http.Client
}

// ServiceClients holds the clients for every backing service.
type ServiceClients struct {
	AuthService   *ServiceClient
	TenantService *ServiceClient
}

// NewServiceClient creates a client for the service at baseURL.
func NewServiceClient(baseURL string) *ServiceClient {
	return &ServiceClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// ProxyRequest forwards the incoming request to the backing service,
// carrying the authenticated identity along as headers.
func (sc *ServiceClient) ProxyRequest(c *gin.Context) {
	targetURL := sc.baseURL + c.Request.URL.Path
	if c.Request.URL.RawQuery != "" {
		targetURL += "?" + c.Request.URL.RawQuery
	}

	var body io.Reader
	if c.Request.Body != nil {
		bodyBytes, err := io.ReadAll(c.Request.Body)
		if err != nil {
			utils.InternalServerErrorResponse(c, "Failed to read request body")
			return
		}
		body = bytes.NewBuffer(bodyBytes)
	}

	req, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, targetURL, body)
	if err != nil {
		utils.InternalServerErrorResponse(c, "Failed to create request")
		return
	}

	for key, values := range c.Request.Header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	// Preserve the original Host so domain-based tenant resolution still
	// works behind the gateway.
	req.Header.Set("X-Forwarded-Host", c.Request.Host)

	if userID, ok := middleware.CurrentUserID(c); ok {
		req.Header.Set("X-User-ID", userID.String())
	}
	if profile, ok := middleware.CurrentUserProfile(c); ok {
		req.Header.Set("X-User-Email", profile.Email)
		if profile.IsAdmin {
			req.Header.Set("X-User-Admin", "true")
		}
	}

	resp, err := sc.httpClient.Do(req)
	if err != nil {
		utils.InternalServerErrorResponse(c, "Failed to communicate with service")
		return
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		utils.InternalServerErrorResponse(c, "Failed to read response")
		return
	}

	for key, values := range resp.Header {
		for _, value := range values {
			c.Header(key, value)
		}
	}

	c.Data(resp.StatusCode, resp.Header.Get("Content-Type"), responseBody)
}

// HealthCheck checks if the backing service is healthy.
func (sc *ServiceClient) HealthCheck() error {
	req, err := http.NewRequest("GET", sc.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := sc.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("service returned status %d", resp.StatusCode)
	}

	return nil
}

// GetServiceStatus reports the health of every backing service.
func (scs *ServiceClients) GetServiceStatus() map[string]interface{} {
	status := make(map[string]interface{})

	if err := scs.AuthService.HealthCheck(); err != nil {
		status["auth_service"] = map[string]interface{}{
			"healthy": false,
			"error":   err.Error(),
		}
	} else {
		status["auth_service"] = map[string]interface{}{
			"healthy": true,
		}
	}

	if err := scs.TenantService.HealthCheck(); err != nil {
		status["tenant_service"] = map[string]interface{}{
			"healthy": false,
			"error":   err.Error(),
		}
	} else {
		status["tenant_service"] = map[string]interface{}{
			"healthy": true,
		}
	}

	return status
}
