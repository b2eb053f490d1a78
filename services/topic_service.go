package services

import "sort"

type TopicServiceImpl struct {
	bus Bus
}

func NewTopicService(bus Bus) TopicService {
	return &TopicServiceImpl{bus: bus}
}

// ListTopics returns every topic with at least one subscriber.
func (ts *TopicServiceImpl) ListTopics() ([]TopicInfo, error) {
	counts := ts.bus.Topics()
	result := make([]TopicInfo, 0, len(counts))
	for topic, n := range counts {
		result = append(result, TopicInfo{Topic: topic, Subscribers: n})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Topic < result[j].Topic })
	return result, nil
}
