package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyCertbotOutput(t *testing.T) {
	tests := []struct {
		output string
		want   error
	}{
		{output: "too many failed authorizations recently", want: ErrRateLimited},
		{output: "Error: urn:ietf:params:acme:error:rateLimited", want: ErrRateLimited},
		{output: "Challenge failed for domain foo.li.sh", want: ErrChallengeFailed},
		{output: "urn:ietf:params:acme:error:dns :: DNS problem: NXDOMAIN", want: ErrChallengeFailed},
		{output: "urn:ietf:params:acme:error:rejectedIdentifier", want: ErrInvalidConfiguration},
		{output: "something unexpected happened", want: ErrChallengeFailed},
	}

	for _, tt := range tests {
		t.Run(tt.output, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyCertbotOutput(tt.output))
		})
	}
}
