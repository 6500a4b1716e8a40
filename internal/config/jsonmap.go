package config

import "encoding/json"

// parseJSONStringMap parses an inline JSON object value, used for the
// x_scraper.query_ids setting (operation-name -> GraphQL query id).
func parseJSONStringMap(raw string) (map[string]string, error) {
	m := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// parseJSONBoolMap parses an inline JSON object value, used for the
// x_scraper.features setting (GraphQL feature-flag overrides).
func parseJSONBoolMap(raw string) (map[string]bool, error) {
	m := map[string]bool{}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return m, nil
}
