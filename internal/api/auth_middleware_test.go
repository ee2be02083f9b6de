package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestBearerToken(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name        string
		url         string
		headers     map[string]string
		wantToken   string
		wantProblem bool
	}{
		{name: "标准请求头", url: "/api/credits", headers: map[string]string{"Authorization": "Bearer abc"}, wantToken: "abc"},
		{name: "大小写不敏感", url: "/api/credits", headers: map[string]string{"Authorization": "bearer abc"}, wantToken: "abc"},
		{name: "缺少请求头", url: "/api/credits", wantProblem: true},
		{name: "格式错误", url: "/api/credits", headers: map[string]string{"Authorization": "Token abc"}, wantProblem: true},
		{name: "空 Token", url: "/api/credits", headers: map[string]string{"Authorization": "Bearer  "}, wantProblem: true},
		{name: "事件流使用查询参数", url: "/api/tasks/events?access_token=xyz", headers: map[string]string{"Accept": "text/event-stream"}, wantToken: "xyz"},
		{name: "普通请求不接受查询参数", url: "/api/credits?access_token=xyz", wantProblem: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest(http.MethodGet, tt.url, nil)
			for key, value := range tt.headers {
				c.Request.Header.Set(key, value)
			}

			token, problem := bearerToken(c)
			if (problem != "") != tt.wantProblem {
				t.Fatalf("problem = %q, wantProblem %v", problem, tt.wantProblem)
			}
			if token != tt.wantToken {
				t.Errorf("token = %q, want %q", token, tt.wantToken)
			}
		})
	}
}
