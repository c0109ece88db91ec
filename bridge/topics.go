package bridge

import "fmt"

// Topics holds the transport topics of one resource kind
type Topics struct {
	Request  string
	Response string
}

// NewTopics builds sensor/{thing}/{stage}/{resource}/v1/url/get and its
// /accepted response topic
func NewTopics(thingName, stage, resource string) Topics {
	request := fmt.Sprintf("sensor/%s/%s/%s/v1/url/get", thingName, stage, resource)
	return Topics{
		Request:  request,
		Response: request + "/accepted",
	}
}
