package mockhttpclient

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
)

// URLMock implements http.RoundTripper but returns mocked responses. It
// provides two methods for mocking responses to requests for particular URLs:
//
// - Mock: Adds a fake response for the given URL to be used every time a
//         request is made for that URL.
//
// - MockOnce: Adds a fake response for the given URL to be used one time.
//         MockOnce may be called multiple times for the same URL in order to
//         simulate the response changing over time. Takes precedence over mocks
//         specified using Mock.
//
// Example:
//
//    m := NewURLMock()
//    m.Mock("https://gerrit.example.com/a/accounts/", []byte(accountsJson))
//    m.MockOnce("https://gerrit.example.com/a/changes/1234", []byte(beforeJson))
//    m.MockOnce("https://gerrit.example.com/a/changes/1234", []byte(afterJson))
//    client := m.Client()
type URLMock struct {
	mockAlways map[string]mockResponse
	mockOnce   map[string][]mockResponse
}

// mockResponse is one canned HTTP response.
type mockResponse struct {
	body       []byte
	statusCode int
}

// Mock adds a mocked response for the given URL; whenever this URLMock is used
// as a transport for an http.Client, requests to the given URL will always
// receive the given body in their responses. Mocks specified using Mock() are
// independent of those specified using MockOnce(), except that those specified
// using MockOnce() take precedence when present.
func (m *URLMock) Mock(url string, body []byte) {
	m.mockAlways[url] = mockResponse{body: body, statusCode: http.StatusOK}
}

// MockOnce adds a mocked response for the given URL, to be used exactly once.
// Mocks are stored in a FIFO queue and removed from the queue as they are
// requested. Therefore, multiple requests to the same URL must each correspond
// to a call to MockOnce, in the same order that the requests will be made.
// Once the queue for a URL is exhausted, requests fall back on any response
// registered with Mock().
func (m *URLMock) MockOnce(url string, body []byte) {
	m.mockOnce[url] = append(m.mockOnce[url], mockResponse{body: body, statusCode: http.StatusOK})
}

// MockOnceWithCode is like MockOnce but responds with the given HTTP status
// code, eg. to simulate a 404 for a missing change.
func (m *URLMock) MockOnceWithCode(url string, statusCode int, body []byte) {
	m.mockOnce[url] = append(m.mockOnce[url], mockResponse{body: body, statusCode: statusCode})
}

// Client returns an http.Client instance which uses the URLMock.
func (m *URLMock) Client() *http.Client {
	return &http.Client{
		Transport: m,
	}
}

// RoundTrip is an implementation of http.RoundTripper.RoundTrip. It fakes
// responses for requests to URLs based on past calls to Mock() and MockOnce().
func (m *URLMock) RoundTrip(r *http.Request) (*http.Response, error) {
	url := r.URL.String()
	var resp *mockResponse
	if resps := m.mockOnce[url]; len(resps) > 0 {
		resp = &resps[0]
		m.mockOnce[url] = resps[1:]
	} else if data, ok := m.mockAlways[url]; ok {
		resp = &data
	}
	if resp == nil {
		return nil, fmt.Errorf("Unknown URL %q", url)
	}
	return &http.Response{
		Body:       &respBodyCloser{bytes.NewReader(resp.body)},
		Status:     http.StatusText(resp.statusCode),
		StatusCode: resp.statusCode,
	}, nil
}

// Empty returns true iff all of the URLs registered via MockOnce() have been
// used.
func (m *URLMock) Empty() bool {
	for _, resps := range m.mockOnce {
		if len(resps) > 0 {
			return false
		}
	}
	return true
}

// respBodyCloser is a wrapper which lets us pretend to implement io.ReadCloser
// by wrapping a bytes.Reader.
type respBodyCloser struct {
	io.Reader
}

// Close is a stub method which lets us pretend to implement io.ReadCloser.
func (r respBodyCloser) Close() error {
	return nil
}

// NewURLMock returns an empty URLMock instance.
func NewURLMock() *URLMock {
	return &URLMock{
		mockAlways: map[string]mockResponse{},
		mockOnce:   map[string][]mockResponse{},
	}
}
