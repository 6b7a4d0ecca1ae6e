package mocks

//go:generate mockery -name Gerrit -dir .. -output .
