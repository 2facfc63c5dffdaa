package cb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAccessString(t *testing.T) {
	params, err := ParseAccessString("type=postgresql;host=localhost;user=test;password=test;name=keatest")
	require.NoError(t, err)
	assert.Equal(t, Parameters{
		"type":     "postgresql",
		"host":     "localhost",
		"user":     "test",
		"password": "test",
		"name":     "keatest",
	}, params)
	assert.Equal(t, "postgresql", params.Type())
}

func TestParseAccessStringSyntax(t *testing.T) {
	tests := []struct {
		name   string
		access string
		want   Parameters
	}{
		{
			name:   "blanks around pairs",
			access: "  type = mysql ;  host=db1  ",
			want:   Parameters{"type": "mysql", "host": "db1"},
		},
		{
			name:   "empty segments",
			access: ";;type=mysql;;",
			want:   Parameters{"type": "mysql"},
		},
		{
			name:   "quoted value with separator",
			access: "type=mysql;password='se;cret'",
			want:   Parameters{"type": "mysql", "password": "se;cret"},
		},
		{
			name:   "empty value",
			access: "type=mysql;user=",
			want:   Parameters{"type": "mysql", "user": ""},
		},
		{
			name:   "value containing equals",
			access: "type=redis;password=a=b",
			want:   Parameters{"type": "redis", "password": "a=b"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAccessString(tt.access)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseAccessStringMalformed(t *testing.T) {
	tests := map[string]string{
		"missing type":       "host=localhost",
		"empty":              "",
		"no equals":          "type=mysql;host",
		"empty key":          "type=mysql;=x",
		"duplicate key":      "type=mysql;host=a;host=b",
		"bad type":           "type=My SQL",
		"unterminated quote": "type=mysql;password='abc",
		"stray quote":        "type=mysql;password=ab'c",
	}

	for name, access := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseAccessString(access)
			var malformed *MalformedAccessStringError
			assert.ErrorAs(t, err, &malformed)
		})
	}
}

func TestParametersGetters(t *testing.T) {
	params, err := ParseAccessString("type=mysql;port=3306;readonly=true;connect-timeout=250;server-tags=a,,b ;bad=x")
	require.NoError(t, err)

	port, err := params.Int(KeyPort, 0, 0, 65535)
	require.NoError(t, err)
	assert.Equal(t, 3306, port)

	_, err = params.Int(KeyPort, 0, 0, 1000)
	assert.Error(t, err)
	_, err = params.Int("bad", 0, 0, 10)
	assert.Error(t, err)

	n, err := params.Int("absent", 7, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	ro, err := params.Bool(KeyReadOnly, false)
	require.NoError(t, err)
	assert.True(t, ro)
	_, err = params.Bool("bad", false)
	assert.Error(t, err)

	d, err := params.Duration(KeyConnectTimeout, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	assert.Equal(t, []string{"a", "b"}, params.List(KeyServerTags))
	assert.Nil(t, params.List("absent"))
	assert.Equal(t, "fallback", params.Value(KeyHost, "fallback"))

	tags, err := params.ServerTags()
	require.NoError(t, err)
	assert.Len(t, tags, 2)
}

func TestParametersRedacted(t *testing.T) {
	params, err := ParseAccessString("type=mysql;password=secret;host=db1;name='my db'")
	require.NoError(t, err)
	assert.Equal(t, "host=db1;name='my db';password=*****;type=mysql", params.Redacted())

	clone := params.Clone()
	clone[KeyHost] = "db2"
	assert.Equal(t, "db1", params[KeyHost])
}

func TestReconnectPolicyFromParameters(t *testing.T) {
	def := ReconnectPolicy{RetryInterval: time.Second}

	tests := []struct {
		name   string
		access string
		want   ReconnectPolicy
	}{
		{
			name:   "defaults",
			access: "type=mysql",
			want:   def,
		},
		{
			name:   "tries without timeout",
			access: "type=mysql;reconnect-wait-time=2000;max-reconnect-tries=3",
			want:   ReconnectPolicy{RetryInterval: 2 * time.Second, MaxRetries: 3, Timeout: 6 * time.Second},
		},
		{
			name:   "explicit timeout",
			access: "type=mysql;reconnect-wait-time=100;max-reconnect-tries=3;reconnect-timeout=10000",
			want:   ReconnectPolicy{RetryInterval: 100 * time.Millisecond, MaxRetries: 3, Timeout: 10 * time.Second},
		},
		{
			name:   "retries disabled",
			access: "type=mysql;reconnect-wait-time=0",
			want:   ReconnectPolicy{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params, err := ParseAccessString(tt.access)
			require.NoError(t, err)
			got, err := ReconnectPolicyFromParameters(params, def)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	params, err := ParseAccessString("type=mysql;max-reconnect-tries=-1")
	require.NoError(t, err)
	_, err = ReconnectPolicyFromParameters(params, def)
	assert.Error(t, err)
}
