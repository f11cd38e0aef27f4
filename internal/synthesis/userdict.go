package synthesis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
)

// WordTypes is the part-of-speech vocabulary the user dictionary accepts.
var WordTypes = []string{
	"PROPER_NOUN",
	"LOCATION_NAME",
	"ORGANIZATION_NAME",
	"PERSON_NAME",
	"PERSON_FAMILY_NAME",
	"PERSON_GIVEN_NAME",
	"COMMON_NOUN",
	"VERB",
	"ADJECTIVE",
	"SUFFIX",
}

const DefaultWordType = "PROPER_NOUN"

func ValidWordType(t string) bool {
	for _, w := range WordTypes {
		if w == t {
			return true
		}
	}
	return false
}

// WordRequest is the payload of user dictionary add and update calls.
type WordRequest struct {
	Surface       string
	Pronunciation string
	AccentType    int
	WordType      string
	Priority      int
}

func (w WordRequest) values() url.Values {
	v := url.Values{}
	v.Set("surface", w.Surface)
	v.Set("pronunciation", w.Pronunciation)
	v.Set("accent_type", strconv.Itoa(w.AccentType))
	if w.WordType != "" {
		v.Set("word_type", w.WordType)
	}
	if w.Priority > 0 {
		v.Set("priority", strconv.Itoa(w.Priority))
	}
	return v
}

// UserDictWord is one value of GET /user_dict.
type UserDictWord struct {
	Surface       string `json:"surface"`
	Pronunciation string `json:"pronunciation"`
	AccentType    int    `json:"accent_type"`
	Priority      int    `json:"priority"`
}

// AddUserDictWord registers w and returns the backend-assigned uuid.
func (c *Client) AddUserDictWord(ctx context.Context, w WordRequest) (string, error) {
	data, err := c.call(ctx, "user_dict_word.add", http.MethodPost, "user_dict_word", w.values(), nil, "application/json", http.StatusOK)
	if err != nil {
		return "", err
	}
	var id string
	if err := json.Unmarshal(data, &id); err != nil {
		id = strings.Trim(strings.TrimSpace(string(data)), `"`)
	}
	if id == "" {
		return "", &SynthesisError{Phase: "user_dict_word.add", Status: http.StatusOK, Err: fmt.Errorf("backend returned no word id")}
	}
	return id, nil
}

func (c *Client) UpdateUserDictWord(ctx context.Context, id string, w WordRequest) error {
	_, err := c.call(ctx, "user_dict_word.update", http.MethodPut, path.Join("user_dict_word", id), w.values(), nil, "", http.StatusNoContent, http.StatusOK)
	return err
}

func (c *Client) DeleteUserDictWord(ctx context.Context, id string) error {
	_, err := c.call(ctx, "user_dict_word.delete", http.MethodDelete, path.Join("user_dict_word", id), nil, nil, "", http.StatusNoContent, http.StatusOK)
	return err
}

// UserDict returns the backend dictionary keyed by word uuid.
func (c *Client) UserDict(ctx context.Context) (map[string]UserDictWord, error) {
	data, err := c.call(ctx, "user_dict", http.MethodGet, "user_dict", nil, nil, "application/json", http.StatusOK)
	if err != nil {
		return nil, err
	}
	words := make(map[string]UserDictWord)
	if err := json.Unmarshal(data, &words); err != nil {
		return nil, &SynthesisError{Phase: "user_dict", Err: fmt.Errorf("decode user dict: %w", err)}
	}
	return words, nil
}
