package sharding

import (
	"fmt"
	"hash/fnv"

	"harrier/constants"
)

// Strategy 分片策略. instances 按注册顺序排列, items 为可分配的分片序号(升序).
// 结果包含每个实例, 没有分到分片的实例对应空切片. 实现必须是确定性的.
type Strategy interface {
	Assign(jobName string, instances []string, items []int) map[string][]int
}

const (
	Average    = constants.DEFAULT_SHARDING_STRATEGY
	Odevity    = "odevity"
	RoundRobin = "round_robin"
)

var Strategies = map[string]Strategy{
	Average:    AverageStrategy{},
	Odevity:    OdevityStrategy{},
	RoundRobin: RoundRobinStrategy{},
}

func Get(name string) (Strategy, error) {
	if name == "" {
		name = Average
	}
	s, ok := Strategies[name]
	if !ok {
		return nil, fmt.Errorf("unknown sharding strategy %q", name)
	}
	return s, nil
}

// AverageStrategy splits items into contiguous runs: the first len(items)%K
// instances get one item more than the others.
//
//	5 items over [A, B]    -> A: 0,1,2  B: 3,4
//	9 items over [A, B, C] -> A: 0,1,2  B: 3,4,5  C: 6,7,8
type AverageStrategy struct{}

func (AverageStrategy) Assign(jobName string, instances []string, items []int) map[string][]int {
	ret := make(map[string][]int, len(instances))
	if len(instances) == 0 {
		return ret
	}
	per := len(items) / len(instances)
	extra := len(items) % len(instances)
	next := 0
	for i, instance := range instances {
		count := per
		if i < extra {
			count++
		}
		owned := make([]int, count)
		copy(owned, items[next:next+count])
		ret[instance] = owned
		next += count
	}
	return ret
}

// OdevityStrategy reverses the instance order for jobs whose name hashes to an
// odd number, so that small jobs do not all land on the first instance.
type OdevityStrategy struct{}

func (OdevityStrategy) Assign(jobName string, instances []string, items []int) map[string][]int {
	ordered := make([]string, len(instances))
	copy(ordered, instances)
	if hash(jobName)%2 == 1 {
		for i, j := 0, len(ordered)-1; i < j; i, j = i+1, j-1 {
			ordered[i], ordered[j] = ordered[j], ordered[i]
		}
	}
	return AverageStrategy{}.Assign(jobName, ordered, items)
}

// RoundRobinStrategy rotates the instance order by the job name hash.
type RoundRobinStrategy struct{}

func (RoundRobinStrategy) Assign(jobName string, instances []string, items []int) map[string][]int {
	if len(instances) == 0 {
		return map[string][]int{}
	}
	offset := int(hash(jobName) % uint32(len(instances)))
	ordered := append(append([]string{}, instances[offset:]...), instances[:offset]...)
	return AverageStrategy{}.Assign(jobName, ordered, items)
}

func hash(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}

// Owners inverts a strategy result into item -> instance.
func Owners(result map[string][]int) map[int]string {
	owners := make(map[int]string)
	for instance, items := range result {
		for _, item := range items {
			owners[item] = instance
		}
	}
	return owners
}
