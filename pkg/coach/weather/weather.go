// Package weather fetches current conditions from wttr.in.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const defaultBaseURL = "https://wttr.in"

type Conditions struct {
	Location   string
	TempF      string
	FeelsLikeF string
	Humidity   string
	Conditions string
	WindMPH    string
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultBaseURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

func (c *Client) Current(ctx context.Context, location string) (Conditions, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return Conditions{}, fmt.Errorf("location is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+url.PathEscape(location)+"?format=j1", nil)
	if err != nil {
		return Conditions{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Conditions{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return Conditions{}, fmt.Errorf("weather error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var decoded struct {
		CurrentCondition []struct {
			TempF         string `json:"temp_F"`
			FeelsLikeF    string `json:"FeelsLikeF"`
			Humidity      string `json:"humidity"`
			WindspeedMile string `json:"windspeedMiles"`
			WeatherDesc   []struct {
				Value string `json:"value"`
			} `json:"weatherDesc"`
		} `json:"current_condition"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Conditions{}, fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.CurrentCondition) == 0 {
		return Conditions{}, fmt.Errorf("response has no current_condition")
	}
	cur := decoded.CurrentCondition[0]
	if len(cur.WeatherDesc) == 0 {
		return Conditions{}, fmt.Errorf("response has no weatherDesc")
	}

	return Conditions{
		Location:   location,
		TempF:      cur.TempF,
		FeelsLikeF: cur.FeelsLikeF,
		Humidity:   cur.Humidity,
		Conditions: cur.WeatherDesc[0].Value,
		WindMPH:    cur.WindspeedMile,
	}, nil
}
